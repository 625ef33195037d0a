package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
)

var askFlags struct {
	userID string
	role   string
	issue  string
}

var askCmd = &cobra.Command{
	Use:   "ask [text]",
	Short: "Answer a request from the runbooks the user may read",
	Long: `Retrieve tier-scoped runbook passages for the user, synthesize an
answer with citations, triage the request and print the result as JSON.
Nothing is posted to the tracker; one audit record is written.

Usage:
  helpdesk ask --user-id u-123 "VPN keeps disconnecting"
  helpdesk ask --role Engineer --issue "grant access to the Finance drive"`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	f := askCmd.Flags()
	f.StringVar(&askFlags.userID, "user-id", "", "Requester user id from the directory")
	f.StringVar(&askFlags.role, "role", "", "Role to assume when the user id is not in the directory")
	f.StringVar(&askFlags.issue, "issue", "", "Request text (alternative to positional args)")
	addRunFlags(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	text := askFlags.issue
	if text == "" {
		text = strings.Join(args, " ")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("request text is required\n\nUsage: helpdesk ask --user-id <id> <text>")
	}
	if askFlags.userID == "" && askFlags.role == "" {
		return errors.New("--user-id or --role is required")
	}

	opts, err := applyRunFlags(cmd, cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.pipeline.Ask(cmd.Context(), pipeline.Request{
		UserID:       askFlags.userID,
		RoleOverride: askFlags.role,
		Text:         text,
		Options:      opts,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
