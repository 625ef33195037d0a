package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/server"
)

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the GitHub webhook",
	Long: `Expose ask, propose and execute over HTTP and react to GitHub webhooks:
an opened issue is proposed, an APPROVE comment runs execute. Deliveries
are verified with server.webhook_secret when it is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "Listen address (default: server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr := cfg.Server.Addr
	if serveFlags.addr != "" {
		addr = serveFlags.addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	log := logging.New("serve")
	if cfg.Server.WebhookSecret == "" {
		log.Warn("server.webhook_secret is empty; webhook deliveries are not verified")
	}
	srv := server.New(a.pipeline, server.Options{
		WebhookSecret: cfg.Server.WebhookSecret,
		Defaults:      defaultOptions(cfg),
		Metrics:       a.metrics,
		Logger:        logging.New("server"),
	})
	return srv.Start(ctx, addr)
}
