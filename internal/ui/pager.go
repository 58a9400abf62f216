package ui

import (
	"cmp"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/term"
)

// PagerOptions controls ToPager.
type PagerOptions struct {
	NoPager bool      // --no-pager
	Out     io.Writer // default os.Stdout
}

// ToPager writes content to opts.Out. When that is a terminal stdout and the
// content is taller than the screen, it goes through $ADOMIGRATE_PAGER,
// $PAGER or less instead.
func ToPager(content string, opts PagerOptions) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	argv := pagerCommand(out, content, opts.NoPager)
	if len(argv) == 0 {
		_, err := io.WriteString(out, content)
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 - user-chosen pager
	cmd.Stdin = strings.NewReader(content)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if os.Getenv("LESS") == "" {
		// keep colours, quit on short output, leave the screen alone
		cmd.Env = append(cmd.Env, "LESS=-RFX")
	}
	return cmd.Run()
}

// pagerCommand returns the pager argv, or nil when content is written as is.
func pagerCommand(out io.Writer, content string, disabled bool) []string {
	if disabled || os.Getenv("ADOMIGRATE_NO_PAGER") != "" || out != io.Writer(os.Stdout) {
		return nil
	}
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	if _, height, err := term.GetSize(fd); err == nil && strings.Count(content, "\n") < height {
		return nil
	}
	return strings.Fields(cmp.Or(os.Getenv("ADOMIGRATE_PAGER"), os.Getenv("PAGER"), "less"))
}
