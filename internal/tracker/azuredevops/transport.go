package azuredevops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adomigrate/adomigrate/internal/telemetry"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultMaxBackoff  = 60 * time.Second
)

// Transport issues HTTP requests with a uniform retry policy. Calls are
// blocking; one Transport may be shared by several Clients.
type Transport struct {
	httpClient  *http.Client
	maxAttempts int
	maxBackoff  time.Duration
	timer       backoff.Timer
	logger      *slog.Logger
	instr       *telemetry.HTTPInstruments
	onRetry     func(err *TransportError, wait time.Duration)
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.httpClient = c }
}

// WithMaxAttempts sets the total number of attempts per call (minimum 1).
func WithMaxAttempts(n int) TransportOption {
	return func(t *Transport) {
		if n < 1 {
			n = 1
		}
		t.maxAttempts = n
	}
}

// WithMaxBackoff caps the wait between attempts.
func WithMaxBackoff(d time.Duration) TransportOption {
	return func(t *Transport) { t.maxBackoff = d }
}

// WithTimer injects the timer used for backoff waits. Tests use it to
// observe waits without sleeping.
func WithTimer(timer backoff.Timer) TransportOption {
	return func(t *Transport) { t.timer = timer }
}

// WithLogger sets the logger for retry warnings.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = l }
}

// WithRetryHook is called before each backoff wait.
func WithRetryHook(fn func(err *TransportError, wait time.Duration)) TransportOption {
	return func(t *Transport) { t.onRetry = fn }
}

// NewTransport creates a Transport with the default policy: 5 attempts,
// waits of min(2^k, 60) seconds before retry k.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		maxAttempts: DefaultMaxAttempts,
		maxBackoff:  DefaultMaxBackoff,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.instr = telemetry.NewHTTPInstruments()
	return t
}

// BackoffDelay returns the wait before retry number attempt (1-based):
// min(2^attempt seconds, limit).
func BackoffDelay(attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= 32 {
		return limit
	}
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > limit {
		return limit
	}
	return d
}

// powerOfTwoBackOff implements backoff.BackOff with BackoffDelay and no jitter.
type powerOfTwoBackOff struct {
	retry int
	max   time.Duration
}

func (b *powerOfTwoBackOff) NextBackOff() time.Duration {
	b.retry++
	return BackoffDelay(b.retry, b.max)
}

func (b *powerOfTwoBackOff) Reset() { b.retry = 0 }

// request is one logical call.
type request struct {
	method      string
	url         string
	auth        string
	body        []byte
	contentType string
	accept      string
}

// DoJSON sends body (JSON-encoded when non-nil) and decodes the response
// into out. An empty response body leaves out untouched.
func (t *Transport) DoJSON(ctx context.Context, method, url, auth string, body any, contentType string, out any) error {
	req := request{method: method, url: url, auth: auth, accept: ContentTypeJSON}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.body = data
		req.contentType = contentType
		if req.contentType == "" {
			req.contentType = ContentTypeJSON
		}
	}

	raw, err := t.do(ctx, req)
	if err != nil {
		return err
	}
	if len(raw) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse %s %s response: %w", method, url, err)
	}
	return nil
}

// DoBinary behaves like DoJSON but returns the raw response bytes. A
// Content-Type header is only sent when contentType is non-empty.
func (t *Transport) DoBinary(ctx context.Context, method, url, auth string, body []byte, contentType string) ([]byte, error) {
	return t.do(ctx, request{method: method, url: url, auth: auth, body: body, contentType: contentType})
}

func (t *Transport) do(ctx context.Context, req request) ([]byte, error) {
	ctx, span, start := t.instr.Start(ctx, req.method, req.url)

	var (
		result   []byte
		attempts int
	)
	operation := func() error {
		attempts++
		data, err := t.attempt(ctx, req)
		if err != nil {
			return err
		}
		result = data
		return nil
	}

	var b backoff.BackOff = &powerOfTwoBackOff{max: t.maxBackoff}
	b = backoff.WithMaxRetries(b, uint64(t.maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		t.instr.Retry(ctx, req.method)
		var tErr *TransportError
		if errors.As(err, &tErr) {
			t.logger.Warn("retrying request",
				"method", req.method, "url", req.url,
				"attempt", attempts, "wait", wait, "status", tErr.StatusCode, "error", err)
			if t.onRetry != nil {
				t.onRetry(tErr, wait)
			}
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, t.timer)
	if err != nil {
		err = t.finalize(req, err, attempts)
	}
	t.instr.Done(ctx, span, start, req.method, attempts, err)
	return result, err
}

// attempt performs one HTTP exchange. Non-retryable failures are wrapped in
// backoff.Permanent so the retry loop stops immediately.
func (t *Transport) attempt(ctx context.Context, req request) ([]byte, error) {
	var reqBody io.Reader
	if req.body != nil {
		reqBody = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, reqBody)
	if err != nil {
		return nil, backoff.Permanent(&TransportError{Method: req.method, URL: req.url, Err: err})
	}
	httpReq.Header.Set("Authorization", req.auth)
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.instr.Attempt(ctx, req.method, 0)
		tErr := &TransportError{Method: req.method, URL: req.url, Err: err}
		if ctx.Err() != nil {
			tErr.Err = ctx.Err()
			return nil, backoff.Permanent(tErr)
		}
		tErr.Retryable = true
		return nil, tErr
	}
	defer func() { _ = resp.Body.Close() }()
	t.instr.Attempt(ctx, req.method, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{
			Method: req.method, URL: req.url, StatusCode: 0,
			Retryable: true, Err: fmt.Errorf("failed to read response: %w", err),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	tErr := &TransportError{
		Method:     req.method,
		URL:        req.url,
		StatusCode: resp.StatusCode,
		Body:       truncateBody(respBody),
	}
	if IsRetryableStatus(resp.StatusCode) {
		tErr.Retryable = true
		return nil, tErr
	}
	return nil, backoff.Permanent(tErr)
}

// finalize stamps the error handed back to the caller.
func (t *Transport) finalize(req request, err error, attempts int) error {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		tErr.Final = true
		tErr.Attempts = attempts
		return tErr
	}
	// Context cancellation surfaces from the backoff loop itself.
	return &TransportError{Method: req.method, URL: req.url, Attempts: attempts, Final: true, Err: err}
}
