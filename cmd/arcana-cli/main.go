package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

var Version = "dev"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// usageError marks failures caused by how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := rootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

type globalOptions struct {
	addr   string
	apiKey string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "arcana",
		Short:         "Arcana CLI - return decisions, policies and the decision ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return usageError{errors.New("a command is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOrDefault("ARCANA_ADDR", defaultAddr), "Arcana API address")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("ARCANA_API_KEY"), "merchant API key")

	root.AddCommand(keysCmd())
	root.AddCommand(replayCmd(opts))
	root.AddCommand(diffCmd(opts))
	root.AddCommand(decisionsCmd(opts))
	root.AddCommand(policyCmd(opts))
	return root
}

func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s requires %s", cmd.CommandPath(), what)}
		}
		return nil
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
	}
	return nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
