// Package relay is the agent-relay CLI: it launches coding-agent binaries
// behind the local intercepting proxy and exposes maintenance subcommands.
package relay

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relayworks/agent-relay/internal/interceptors"
	"github.com/relayworks/agent-relay/internal/metrics"
	"github.com/relayworks/agent-relay/internal/version"
)

// Run executes the CLI with the given arguments (without the binary name).
func Run(args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "agent-relay",
		Short:         "Run AI coding agents behind a local SSO-injecting proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "agent-relay.yaml", "config yaml path")
	cmd.AddCommand(
		newRunCmd(&cfgPath),
		newProxyCmd(&cfgPath),
		newSyncCmd(&cfgPath),
		newVersionCmd(),
	)
	return cmd
}

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run [-- agent args...]",
		Short: "Start the proxy and launch the agent binary behind it",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.launch(cmd.Context(), args)
		},
	}
}

func newProxyCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Start the proxy alone and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()

			srv, info, err := app.startProxy(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.URL)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}
			return srv.Stop(context.Background())
		},
	}
}

func newSyncCmd(cfgPath *string) *cobra.Command {
	var sessionID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one metrics sync pass for a session and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*cfgPath)
			if err != nil {
				return err
			}
			defer app.Close()

			id := sessionID
			if id == "" {
				id = app.cfg.Session.ID
			}
			if id == "" {
				return fmt.Errorf("no session id: pass --session or set session.id")
			}

			deltas := metrics.NewDeltaLog(app.cfg.Metrics.Dir, id)
			sender, err := app.buildSender(cmd.Context())
			if err != nil {
				return err
			}
			if dryRun {
				sender = nil
			}
			ms := interceptors.NewMetricsSync(
				app.logger, deltas, app.sessions, sender, id, 0, dryRun || sender == nil)
			ms.SyncNow(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to sync (default: config session.id)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "aggregate and log the payload without posting")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return nil
		},
	}
}
