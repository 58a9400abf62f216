package ui

import (
	"errors"

	"github.com/charmbracelet/huh"
)

// ErrAborted is returned when the user declines or cancels a prompt.
var ErrAborted = errors.New("aborted by user")

// Confirm asks a yes/no question on the terminal. Without a TTY on stdin it
// returns true without prompting; callers gate it behind --yes themselves.
func Confirm(title, description string) (bool, error) {
	if !IsInputTerminal() {
		return true, nil
	}

	ok := false
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Proceed").
				Negative("Cancel").
				Value(&ok),
		),
	).WithTheme(huh.ThemeDracula()).Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, ErrAborted
		}
		return false, err
	}
	return ok, nil
}
