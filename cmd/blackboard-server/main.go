package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/finrocmirror/go-blackboard/internal/commands"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	root := cobra.Command{
		Use:   "blackboard-server",
		Short: "Hosts blackboard servers and exposes them over gRPC",

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(commands.Serve())

	ctx := context.Background()

	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		root.Println(cmd.UsageString())
		root.PrintErrln(root.ErrPrefix(), err.Error())
	}

	return err
}
