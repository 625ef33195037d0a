package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/config"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	docs       string
	directory  string
	auditPath  string
}

// cfg is loaded once per invocation by the root PersistentPreRunE.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "helpdesk",
	Short: "Permission-scoped runbook answers with approval-gated issue actions",
	Long: `helpdesk answers internal-support requests from tier-scoped runbooks,
triages them, posts a proposed plan on the tracker issue and executes it
only after an approval from the required role.

Settings come from helpdesk.yaml (or --config) and HELPDESK_* variables;
flags override both for one invocation.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: loadConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "", "Config file (default: ./helpdesk.yaml if present)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&rootFlags.docs, "docs", "", "Knowledge base root with one directory per tier")
	pf.StringVar(&rootFlags.directory, "directory", "", "User directory (CSV or YAML)")
	pf.StringVar(&rootFlags.auditPath, "audit-log", "", "Append-only JSONL audit log")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}
	pf := cmd.Flags()
	if pf.Changed("log-level") {
		c.Log.Level = rootFlags.logLevel
	}
	if pf.Changed("docs") {
		c.Docs = rootFlags.docs
	}
	if pf.Changed("directory") {
		c.Directory = rootFlags.directory
	}
	if pf.Changed("audit-log") {
		c.Audit.JSONL = rootFlags.auditPath
	}
	logging.Init(logging.ParseLevel(c.Log.Level), c.Log.Format, cmd.ErrOrStderr())
	cfg = c
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
