package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/audit"
)

var auditFlags struct {
	db      string
	last    int
	repo    string
	issue   int
	result  string
	run     string
	jsonOut bool
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the SQLite audit mirror",
	Long: `List recent audit records (newest first) or show one run in detail.

Usage:
  helpdesk audit --last 20
  helpdesk audit --issue 42 --result success --json
  helpdesk audit --run 5f0c...`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.StringVar(&auditFlags.db, "db", "", "Audit database (default: audit.sqlite from config)")
	f.IntVar(&auditFlags.last, "last", 20, "Show N most recent records")
	f.StringVar(&auditFlags.repo, "repo", "", "Filter by owner/name")
	f.IntVar(&auditFlags.issue, "issue", 0, "Filter by issue number")
	f.StringVar(&auditFlags.result, "result", "", "Filter by execution result")
	f.StringVar(&auditFlags.run, "run", "", "Show a single run in detail")
	f.BoolVar(&auditFlags.jsonOut, "json", false, "Output as JSON instead of a table")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	dbPath := auditFlags.db
	if dbPath == "" {
		dbPath = cfg.Audit.SQLite
	}
	if dbPath == "" {
		return errors.New("no audit database: set audit.sqlite or pass --db")
	}
	store, err := audit.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	w := cmd.OutOrStdout()
	if auditFlags.run != "" {
		rec, err := store.Get(cmd.Context(), auditFlags.run)
		if err != nil {
			return err
		}
		if auditFlags.jsonOut {
			return printJSON(w, rec)
		}
		printDetail(w, rec)
		return nil
	}

	recs, err := store.List(cmd.Context(), audit.Filter{
		Repo:   auditFlags.repo,
		Issue:  auditFlags.issue,
		Result: auditFlags.result,
		Limit:  auditFlags.last,
	})
	if err != nil {
		return err
	}
	if auditFlags.jsonOut {
		if recs == nil {
			recs = []audit.Record{}
		}
		return printJSON(w, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no audit records found")
		return nil
	}
	printListTable(w, recs)
	return nil
}

// #region table
func printListTable(w io.Writer, recs []audit.Record) {
	fmt.Fprintf(w, "%-8s  %-20s  %-7s  %6s  %-10s  %-8s  %-38s  %7s\n",
		"Run", "Time", "Stage", "Issue", "Role", "Approval", "Result", "Latency")
	fmt.Fprintf(w, "%-8s+-%-20s+-%-7s+-%6s+-%-10s+-%-8s+-%-38s+-%7s\n",
		"--------", "--------------------", "-------", "------", "----------", "--------",
		"--------------------------------------", "-------")
	for _, r := range recs {
		issue := "—"
		if r.IssueNumber > 0 {
			issue = fmt.Sprintf("#%d", r.IssueNumber)
		}
		fmt.Fprintf(w, "%-8s  %-20s  %-7s  %6s  %-10s  %-8s  %-38s  %5dms\n",
			shortID(r.RunID), r.Timestamp, r.Stage, issue, orDash(r.RequesterRole),
			r.ApprovalStatus, r.ExecutionResult, r.LatencyMS)
	}
}

func printDetail(w io.Writer, r audit.Record) {
	fmt.Fprintf(w, "Run:        %s\n", r.RunID)
	fmt.Fprintf(w, "Time:       %s\n", r.Timestamp)
	fmt.Fprintf(w, "Stage:      %s\n", r.Stage)
	if r.Repo != "" {
		fmt.Fprintf(w, "Issue:      %s#%d\n", r.Repo, r.IssueNumber)
	}
	fmt.Fprintf(w, "Requester:  %s (%s) tiers=%s\n", orDash(r.RequesterUserID), orDash(r.RequesterRole), strings.Join(r.AllowedTiers, ","))
	if r.Triage != nil {
		fmt.Fprintf(w, "Triage:     %s / %s (%s)\n", r.Triage.Category, r.Triage.Priority, r.Triage.Method)
	}
	fmt.Fprintf(w, "Retriever:  %s confidence=%.4f\n", orDash(r.RetrieverType), r.RetrievalConfidence)
	fmt.Fprintf(w, "Approval:   %s by %s (%s)\n", r.ApprovalStatus, orDash(r.ApprovalActorLogin), orDash(r.ApprovalActorRole))
	fmt.Fprintf(w, "Result:     %s\n", r.ExecutionResult)
	if len(r.ExecutedActions) > 0 {
		fmt.Fprintf(w, "Executed:   %s\n", strings.Join(r.ExecutedActions, ", "))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", r.Error)
	}
	fmt.Fprintf(w, "Latency:    %dms\n", r.LatencyMS)

	if len(r.Citations) > 0 {
		fmt.Fprintf(w, "\nCitations:\n")
		for _, c := range r.Citations {
			fmt.Fprintf(w, "  %-10s %s%s (%s)\n", c.Tier, c.Doc, c.Anchor, c.Section)
		}
	}
}

// #endregion table

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
