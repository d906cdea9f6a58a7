package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"cadence/internal/agentloop"
	"cadence/pkg/cadence"
	"cadence/pkg/logger"
	"cadence/pkg/sandbox"
)

// NewSandboxCmd 创建 sandbox 命令
func NewSandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run code in the agent sandbox",
	}
	cmd.AddCommand(newSandboxRunCmd())
	return cmd
}

func newSandboxRunCmd() *cobra.Command {
	var (
		jsonOutput  bool
		observation bool
	)

	cmd := &cobra.Command{
		Use:   "run <file|->",
		Short: "Execute a JavaScript file, or stdin with '-'",
		Long: `Execute a script with the same limits the agent loop applies to
model-emitted code. With --observation the result is printed exactly as it
would be fed back to the model.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}

			var code []byte
			var err error
			if args[0] == "-" {
				code, err = io.ReadAll(cmd.InOrStdin())
			} else {
				code, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			exec := cadence.NewSandbox(cliCtx.Config, logger.Component("sandbox"))
			defer exec.Close()

			res, err := exec.Run(ctx, string(code))
			if err != nil && res == nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				if perr := printJSON(out, res); perr != nil {
					return perr
				}
			case observation:
				fmt.Fprintln(out, agentloop.FormatObservation(res))
			default:
				printResult(out, cmd.ErrOrStderr(), res)
			}

			if err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("script failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the raw result as JSON")
	cmd.Flags().BoolVar(&observation, "observation", false, "output the result as an agent observation")
	return cmd
}

func printResult(out, errOut io.Writer, res *sandbox.Result) {
	fmt.Fprint(out, res.Stdout)
	fmt.Fprint(errOut, res.Stderr)
	if res.Value != "" {
		fmt.Fprintf(out, "=> %s\n", res.Value)
	}
	if n := len(res.Figures); n > 0 {
		fmt.Fprintf(out, "(%d figure(s) not shown)\n", n)
	}
}

