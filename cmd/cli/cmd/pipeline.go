package cmd

import (
	"fmt"
	"strings"

	"procplane/pkg/subprocess"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline 'CMD1 [ARGS...]' 'CMD2 [ARGS...]' ...",
	Short: "Chain commands through pipes, like a shell pipeline",
	Long: `pipeline runs each quoted command as a child process, wiring every
stage's stdout to the next stage's stdin through a fresh pipe. The first
stage reads this terminal's stdin and the last stage writes to it. The exit
status of the pipeline is the exit status of its last stage.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		procs := make([]*subprocess.Process, 0, len(args))

		stdin := 0 // first stage inherits ours
		for i, stage := range args {
			argv := strings.Fields(stage)
			if len(argv) == 0 {
				return fmt.Errorf("stage %d is empty", i+1)
			}

			stdout := subprocess.FreshPipe
			if i == len(args)-1 {
				stdout = 1 // last stage inherits ours
			}

			p, err := subprocess.Spawn(argv, stdin, stdout, 2)
			if err != nil {
				return fmt.Errorf("stage %d (%s): %w", i+1, argv[0], err)
			}
			procs = append(procs, p)

			// The next stage borrows this stage's read end. Our copy of the
			// previous stage's read end is no longer needed once it has been
			// handed on, and keeping it would hold the pipe open past the
			// stage's exit.
			if stdin > 2 {
				unix.Close(stdin)
			}
			stdin = p.Stdout
			p.Stdout = -1
		}

		for _, p := range procs {
			p.Wait()
			p.Close()
		}

		code := procs[len(procs)-1].ExitCode()
		if code < 0 {
			cmd.PrintErrf("Pipeline terminated by signal %d\n", -code)
			childExit = 128 - code
			return nil
		}
		childExit = code
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
}
