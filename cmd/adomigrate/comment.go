package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adomigrate/adomigrate/internal/migrate"
)

func (a *app) newCommentCmd() *cobra.Command {
	var (
		id             int
		text           string
		useCommentsAPI bool
	)

	cmd := &cobra.Command{
		Use:   "comment",
		Short: "Post a comment on a target work item",
		Long: `Add text to the discussion of target item --id. The comment is written
through the System.History field unless --comments-api is given.

Example:
  adomigrate comment --id 900 --text "Migrated from legacy project"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				return fmt.Errorf("--id is required")
			}
			target, err := a.targetClient(a.transport())
			if err != nil {
				return err
			}
			if err := migrate.PostComment(cmd.Context(), target, id, text, useCommentsAPI); err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), map[string]any{"id": id, "ok": true}, func() error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return err
			})
		},
	}

	fs := cmd.Flags()
	addTargetFlags(fs)
	fs.IntVar(&id, "id", 0, "target work item id (required)")
	fs.StringVar(&text, "text", "", "comment text (required)")
	fs.BoolVar(&useCommentsAPI, "comments-api", false, "post through the comments endpoint")
	return cmd
}
