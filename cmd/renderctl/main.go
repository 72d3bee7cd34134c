package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanfei1991/renderfarm/client"
	"github.com/hanfei1991/renderfarm/lib/config"
)

type globalOptions struct {
	master  string
	timeout time.Duration
	json    bool

	out       io.Writer
	newClient func(addr string) client.MasterClient
}

func (o *globalOptions) client() client.MasterClient {
	return o.newClient(o.master)
}

func (o *globalOptions) context() (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), o.timeout)
}

func newRootCmd(out io.Writer, newClient func(addr string) client.MasterClient) *cobra.Command {
	opts := &globalOptions{out: out, newClient: newClient}
	var logLevel string
	root := &cobra.Command{
		Use:           "renderctl",
		Short:         "Command line client of the render master",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel == "" {
				return nil
			}
			return config.InitLogger(config.LogConfig{Level: logLevel})
		},
	}
	root.SetOut(out)
	flags := root.PersistentFlags()
	flags.StringVar(&opts.master, "master", "127.0.0.1:5000", "render master address")
	flags.DurationVar(&opts.timeout, "timeout", time.Minute, "timeout of the whole command")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON")
	flags.StringVarP(&logLevel, "log-level", "L", "", "log level, the default logger is kept when empty")

	root.AddCommand(
		newSubmitCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newCancelCmd(opts),
		newRequeueCmd(opts),
		newDeleteCmd(opts),
		newWorkersCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func main() {
	newClient := func(addr string) client.MasterClient {
		return client.NewMasterClient(addr)
	}
	if err := newRootCmd(os.Stdout, newClient).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "renderctl: %v\n", err)
		os.Exit(1)
	}
}
