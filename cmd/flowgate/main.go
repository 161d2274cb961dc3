// Command flowgate runs the background side of the approval engine:
// workers that consume apply and advance tasks, plus maintenance commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "flowgate",
		Short:         "Document approval workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./flowgate.yaml)")

	root.AddCommand(
		newWorkerCmd(&configPath),
		newValidateCmd(&configPath),
		newRequeueCmd(&configPath),
		newResumeCmd(&configPath),
	)
	return root
}
