package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wfunc/partysync/config"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/monitor"
	"github.com/wfunc/partysync/server"
)

const releaseVersion = "0.1.0"

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"bind":          "server.http_address",
	"publish-rate":  "server.publish_rate",
	"publish-burst": "server.publish_burst",
	"heartbeat":     "sync.heartbeat_interval",
	"verbose":       "verbose",
}

func newCmd() *cobra.Command {
	v := config.New()
	var configDir string

	cmd := &cobra.Command{
		Use:           "partysync",
		Short:         "Topic relay for partysync clients.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configDir)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.StringVarP(&configDir, "config", "c", ".", "directory containing config.yaml")
	fs.StringP("bind", "b", ":8080", "address to listen on (env: PARTYSYNC_SERVER_HTTP_ADDRESS)")
	fs.Float64("publish-rate", 20, "publish frames per second allowed per connection (env: PARTYSYNC_SERVER_PUBLISH_RATE)")
	fs.Int("publish-burst", 40, "publish burst allowed per connection (env: PARTYSYNC_SERVER_PUBLISH_BURST)")
	fs.Duration("heartbeat", 15*time.Second, "expected client heartbeat interval (env: PARTYSYNC_SYNC_HEARTBEAT_INTERVAL)")
	fs.BoolP("verbose", "v", false, "development logging (env: PARTYSYNC_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("partysync v{{.Version}}\n")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Init(cfg.Verbose)
	defer logger.Sync()

	mon := monitor.NewMonitor("partysync")
	mon.PublishExpvar()
	relay := server.NewRelayServer(cfg.Server, cfg.Sync.HeartbeatInterval, mon)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() { errs <- relay.Start() }()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info("Shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errs
}

func main() {
	cobra.CheckErr(newCmd().Execute())
}

