package cmd

import (
	"fmt"
	"io"
	"os"

	"procplane/pkg/subprocess"

	"github.com/spf13/cobra"
)

var (
	runStdin  string
	runStdout string
	runStderr string
)

var runCmd = &cobra.Command{
	Use:   "run -- COMMAND [ARGS...]",
	Short: "Run a command locally with explicit stream wiring",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := parseRedirect(runStdin, 0)
		if err != nil {
			return err
		}
		out, err := parseRedirect(runStdout, 1)
		if err != nil {
			return err
		}
		errReq, err := parseRedirect(runStderr, 2)
		if err != nil {
			return err
		}

		p, err := subprocess.Spawn(args, in, out, errReq)
		if err != nil {
			return fmt.Errorf("spawn failed: %w", err)
		}
		defer p.Close()

		// A piped stdout lands on our own stdout; streams before waiting so
		// long-running children show output as it arrives.
		if p.Stdout >= 0 {
			pipe := os.NewFile(uintptr(p.Stdout), "child stdout")
			p.Stdout = -1
			io.Copy(cmd.OutOrStdout(), pipe)
			pipe.Close()
		}

		p.Wait()
		code := p.ExitCode()
		if code < 0 {
			// Shells report death-by-signal as 128+signum.
			cmd.PrintErrf("Terminated by signal %d\n", -code)
			childExit = 128 - code
			return nil
		}
		childExit = code
		return nil
	},
}

// parseRedirect maps a --stdin/--stdout/--stderr flag value to a
// redirection request for the given stream slot.
func parseRedirect(value string, stream int) (int, error) {
	switch value {
	case "inherit":
		return stream, nil
	case "null":
		return subprocess.NullDevice, nil
	case "pipe":
		if stream != 1 {
			return 0, fmt.Errorf("pipe wiring is supported for stdout only")
		}
		return subprocess.FreshPipe, nil
	case "stdout":
		if stream != 2 {
			return 0, fmt.Errorf("%q is only valid for --stderr", value)
		}
		return 1, nil
	case "stderr":
		if stream != 1 {
			return 0, fmt.Errorf("%q is only valid for --stdout", value)
		}
		return 2, nil
	case "merge":
		if stream != 2 {
			return 0, fmt.Errorf("%q is only valid for --stderr", value)
		}
		return subprocess.SameAsStdout, nil
	}
	return 0, fmt.Errorf("unknown stream wiring %q", value)
}

func init() {
	runCmd.Flags().StringVar(&runStdin, "stdin", "inherit", "child stdin wiring: inherit|null")
	runCmd.Flags().StringVar(&runStdout, "stdout", "inherit", "child stdout wiring: inherit|null|pipe|stderr")
	runCmd.Flags().StringVar(&runStderr, "stderr", "inherit", "child stderr wiring: inherit|null|stdout|merge")

	rootCmd.AddCommand(runCmd)
}
