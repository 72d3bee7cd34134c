package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
	"github.com/hanfei1991/renderfarm/servermaster"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rendermaster",
		Short: "Render master: keeps the job queue and assigns jobs to render workers",
		// flags are owned by servermaster.Config so that they can be merged
		// with the config file
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := servermaster.NewConfig()
			if err := cfg.Parse(args); err != nil {
				if cerrors.Cause(err) == pflag.ErrHelp {
					return nil
				}
				return err
			}
			if err := config.InitLogger(cfg.LogConfig); err != nil {
				return err
			}
			log.L().Info("render master config", zap.Stringer("config", cfg))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err := servermaster.NewMaster(cfg).Run(ctx)
			if cerrors.Cause(err) == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rendermaster: %v\n", err)
		os.Exit(1)
	}
}
