package ui

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// RenderMarkdown renders md for the terminal. Without colour, or when glamour
// fails, md comes back unchanged.
func RenderMarkdown(md string) string {
	if !ShouldUseColor() {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(markdownWidth()))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// markdownWidth is the stdout width, 80 when unknown, at most 100.
func markdownWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		w = 80
	}
	return min(w, 100)
}
