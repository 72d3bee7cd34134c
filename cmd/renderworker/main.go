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

	"github.com/hanfei1991/renderfarm/client"
	"github.com/hanfei1991/renderfarm/executor"
	"github.com/hanfei1991/renderfarm/lib/config"
	cerrors "github.com/hanfei1991/renderfarm/pkg/errors"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "renderworker",
		Short:              "Render worker: polls the render master and runs the render engine",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := executor.NewConfig()
			if err := cfg.Parse(args); err != nil {
				if cerrors.Cause(err) == pflag.ErrHelp {
					return nil
				}
				return err
			}
			if err := config.InitLogger(cfg.LogConfig); err != nil {
				return err
			}
			log.L().Info("render worker config", zap.Stringer("config", cfg))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			agent := executor.NewAgent(cfg, client.NewMasterClient(cfg.MasterAddr), executor.NewCommandEngine(cfg.Engine))
			return agent.Run(ctx)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "renderworker: %v\n", err)
		os.Exit(1)
	}
}
