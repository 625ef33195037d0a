package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/pipeline"
)

var proposeFlags struct {
	userID string
	role   string
	text   string
}

var proposeCmd = &cobra.Command{
	Use:   "propose <issue-number>",
	Short: "Answer a tracker issue and post the proposed plan",
	Long: `Read the issue, resolve its author in the directory, answer it and post
a plan comment with labels. Plans that need no approval are executed
right away; the rest wait for an APPROVE comment and "helpdesk execute".`,
	Args: cobra.ExactArgs(1),
	RunE: runPropose,
}

var executeCmd = &cobra.Command{
	Use:   "execute <issue-number>",
	Short: "Run the approval state machine for an issue",
	Long: `Find the latest plan comment and the latest APPROVE after it, check the
approver's role and apply the plan once. Re-running on an executed issue
is a no-op. The outcome is printed as JSON and audited.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	f := proposeCmd.Flags()
	f.StringVar(&proposeFlags.userID, "user-id", "", "Requester user id (default: resolve the issue author)")
	f.StringVar(&proposeFlags.role, "role", "", "Role to assume with --user-id when it is not in the directory")
	f.StringVar(&proposeFlags.text, "text", "", "Request text to use instead of the issue body")
	addRunFlags(proposeCmd)
}

func parseIssue(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("issue number must be a positive integer, got %q", arg)
	}
	return n, nil
}

func runPropose(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	opts, err := applyRunFlags(cmd, cfg)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.pipeline.Propose(cmd.Context(), pipeline.ProposeRequest{
		Issue:        issue,
		UserID:       proposeFlags.userID,
		RoleOverride: proposeFlags.role,
		Text:         proposeFlags.text,
		Options:      opts,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func runExecute(cmd *cobra.Command, args []string) error {
	issue, err := parseIssue(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.pipeline.Execute(cmd.Context(), issue)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
