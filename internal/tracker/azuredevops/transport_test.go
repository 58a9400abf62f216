package azuredevops_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
	"github.com/adomigrate/adomigrate/internal/tracker/testutil"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits = append(t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

func (t *recordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := azuredevops.BackoffDelay(tt.attempt, 60*time.Second); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestTransport_RetriesThenSucceeds(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.SetResponse("/ok", http.StatusOK, map[string]int{"value": 42})
	mock.FailNext(http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	timer := &recordingTimer{}
	var hookCalls int
	tr := azuredevops.NewTransport(
		azuredevops.WithTimer(timer),
		azuredevops.WithRetryHook(func(err *azuredevops.TransportError, _ time.Duration) {
			hookCalls++
			if azuredevops.KindOf(err) != azuredevops.KindTransient {
				t.Errorf("in-flight error kind = %v, want transient", azuredevops.KindOf(err))
			}
		}),
	)

	var out struct {
		Value int `json:"value"`
	}
	err := tr.DoJSON(context.Background(), http.MethodGet, mock.URL()+"/ok", "Basic x", nil, "", &out)
	if err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out.Value != 42 {
		t.Errorf("value = %d, want 42", out.Value)
	}
	if got := mock.GetRequestCount(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if hookCalls != 2 {
		t.Errorf("retry hook called %d times, want 2", hookCalls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if got := timer.Waits(); !equalDurations(got, want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
}

func TestTransport_ExhaustsRetries(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.FailNext(503, 503, 503, 503, 503, 503)

	timer := &recordingTimer{}
	tr := azuredevops.NewTransport(azuredevops.WithTimer(timer))

	err := tr.DoJSON(context.Background(), http.MethodGet, mock.URL()+"/flaky", "Basic x", nil, "", nil)
	var tErr *azuredevops.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if tErr.Attempts != 5 || !tErr.Exhausted() {
		t.Errorf("attempts=%d exhausted=%v, want 5 true", tErr.Attempts, tErr.Exhausted())
	}
	if tErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", tErr.StatusCode)
	}
	if got := mock.GetRequestCount(); got != 5 {
		t.Errorf("requests = %d, want 5", got)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if got := timer.Waits(); !equalDurations(got, want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
	if !strings.Contains(err.Error(), "after 5 attempts") {
		t.Errorf("error %q should mention attempt count", err.Error())
	}
	if azuredevops.KindOf(err) != azuredevops.KindTerminal {
		t.Errorf("KindOf = %v, want terminal", azuredevops.KindOf(err))
	}
}

func TestTransport_MaxBackoffCapsWaits(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.SetResponse("/capped", http.StatusOK, map[string]string{"ok": "yes"})
	mock.FailNext(503, 503, 503, 503)

	timer := &recordingTimer{}
	tr := azuredevops.NewTransport(azuredevops.WithTimer(timer), azuredevops.WithMaxBackoff(5*time.Second))

	if err := tr.DoJSON(context.Background(), http.MethodGet, mock.URL()+"/capped", "Basic x", nil, "", nil); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	if got := timer.Waits(); !equalDurations(got, want) {
		t.Errorf("waits = %v, want %v", got, want)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransport_CustomHTTPClient(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.SetResponse("/via", http.StatusOK, map[string]string{"ok": "yes"})

	var calls int
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		return http.DefaultTransport.RoundTrip(r)
	})}
	tr := azuredevops.NewTransport(azuredevops.WithHTTPClient(client))

	if _, err := tr.DoBinary(context.Background(), http.MethodGet, mock.URL()+"/via", "Basic x", nil, ""); err != nil {
		t.Fatalf("DoBinary failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("custom client saw %d requests, want 1", calls)
	}
}

func TestTransport_TerminalStatusNotRetried(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.SetResponse("/missing", http.StatusNotFound, map[string]string{"message": strings.Repeat("x", 5000)})

	timer := &recordingTimer{}
	tr := azuredevops.NewTransport(azuredevops.WithTimer(timer))

	err := tr.DoJSON(context.Background(), http.MethodGet, mock.URL()+"/missing", "Basic x", nil, "", nil)
	var tErr *azuredevops.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if tErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", tErr.StatusCode)
	}
	if len(tErr.Body) != azuredevops.MaxErrorBodyLen {
		t.Errorf("body length = %d, want %d", len(tErr.Body), azuredevops.MaxErrorBodyLen)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.GetRequestCount())
	}
	if len(timer.Waits()) != 0 {
		t.Errorf("unexpected waits %v", timer.Waits())
	}
	if strings.Contains(err.Error(), "attempts") {
		t.Errorf("terminal error should not mention attempts: %q", err.Error())
	}
}

func TestTransport_NetworkErrorRetried(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	url := mock.URL() + "/gone"
	mock.Close()

	timer := &recordingTimer{}
	tr := azuredevops.NewTransport(azuredevops.WithTimer(timer), azuredevops.WithMaxAttempts(3))

	_, err := tr.DoBinary(context.Background(), http.MethodGet, url, "Basic x", nil, "")
	var tErr *azuredevops.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if tErr.StatusCode != 0 || tErr.Attempts != 3 || !tErr.Retryable {
		t.Errorf("got status=%d attempts=%d retryable=%v", tErr.StatusCode, tErr.Attempts, tErr.Retryable)
	}
	if len(timer.Waits()) != 2 {
		t.Errorf("waits = %v, want 2 entries", timer.Waits())
	}
}

func TestTransport_Headers(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.SetResponse("/bin", http.StatusOK, map[string]string{"ok": "yes"})
	mock.SetResponse("/json", http.StatusOK, map[string]string{"ok": "yes"})

	tr := azuredevops.NewTransport()
	ctx := context.Background()

	if _, err := tr.DoBinary(ctx, http.MethodGet, mock.URL()+"/bin", "Basic abc", nil, ""); err != nil {
		t.Fatalf("DoBinary failed: %v", err)
	}
	ops := []azuredevops.PatchOperation{azuredevops.AddFieldOp(azuredevops.FieldTitle, "t")}
	if err := tr.DoJSON(ctx, http.MethodPatch, mock.URL()+"/json", "Basic abc", ops, azuredevops.ContentTypeJSONPatch, nil); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}

	reqs := mock.GetRequests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if ct := reqs[0].Headers.Get("Content-Type"); ct != "" {
		t.Errorf("binary GET sent Content-Type %q", ct)
	}
	if got := reqs[0].Headers.Get("Authorization"); got != "Basic abc" {
		t.Errorf("Authorization = %q", got)
	}
	if ct := reqs[1].Headers.Get("Content-Type"); ct != azuredevops.ContentTypeJSONPatch {
		t.Errorf("patch Content-Type = %q", ct)
	}
	if accept := reqs[1].Headers.Get("Accept"); accept != azuredevops.ContentTypeJSON {
		t.Errorf("Accept = %q", accept)
	}
}

func TestTransport_ContextCanceled(t *testing.T) {
	mock := testutil.NewMockTrackerServer()
	defer mock.Close()
	mock.FailNext(503)

	ctx, cancel := context.WithCancel(context.Background())
	tr := azuredevops.NewTransport(azuredevops.WithRetryHook(func(*azuredevops.TransportError, time.Duration) {
		cancel()
	}))

	err := tr.DoJSON(ctx, http.MethodGet, mock.URL()+"/x", "Basic x", nil, "", nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
