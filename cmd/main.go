package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logutil.GetLogger().Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	root := &cobra.Command{
		Use:          "nexus",
		Short:        "Inspect GPU code objects and kernel source traces",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			return logutil.InitLogger(cfg.LogLevel, cfg.LogFile)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logutil.GetLogger().Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.Int(config.KeyLogLevel, logutil.LevelInfo, "log level (0 none, 1 info, 2 warn, 3 error, 4 detail)")
	flags.String(config.KeyLogFile, "", "also append log records to this file")
	bindFlags(v, root)

	root.AddCommand(
		newKernelsCmd(),
		newShowCmd(),
		newProbeCmd(v),
	)
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, key := range []string{config.KeyLogLevel, config.KeyLogFile} {
		_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(key))
	}
}
