package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vmwarden/vmwarden/internal/inbox"
	"github.com/vmwarden/vmwarden/internal/session"
	"github.com/vmwarden/vmwarden/internal/transport"
)

var (
	serveConfig  string
	serveNoInbox bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to runtime config YAML")
	serveCmd.Flags().BoolVar(&serveNoInbox, "no-inbox", false, "Disable the drop-folder gateway")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization daemon",
	Long: "Loads the policy snapshot, opens the audit ledger, and serves the\n" +
		"envelope protocol on a Unix socket. Also watches the inbox directory\n" +
		"for dropped envelope files unless --no-inbox is set.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	c, err := buildCore(ctx, serveConfig)
	if err != nil {
		return err
	}
	defer c.close()

	fmt.Fprintf(os.Stderr, "vmwarden: policy %s loaded (hash %s)\n",
		c.cfg.PolicyPath, c.snap.Hash())

	// Session sweeper.
	go c.reg.Run(ctx)

	errCh := make(chan error, 2)

	srv := transport.NewServer(c.cfg.SocketPath, c.router)
	go func() {
		fmt.Fprintf(os.Stderr, "vmwarden: listening on %s\n", c.cfg.SocketPath)
		errCh <- srv.Serve(ctx)
	}()

	if !serveNoInbox {
		gw, err := inbox.NewGateway(c.cfg.InboxDir, c.cfg.OutboxDir, c.router)
		if err != nil {
			cancel()
			<-errCh
			return err
		}
		go func() {
			fmt.Fprintf(os.Stderr, "vmwarden: watching inbox %s\n", c.cfg.InboxDir)
			errCh <- gw.Run(ctx)
		}()
	}

	err = <-errCh
	cancel()

	// End remaining sessions so terminations are logged before exit.
	for _, s := range c.reg.Active() {
		c.reg.Terminate(s.ID, session.ReasonShutdown)
	}
	return err
}
