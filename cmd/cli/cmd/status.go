package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"procplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [execution_id]",
	Short: "Show the state of an execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, url := apiClient()

		resp, err := client.Get(fmt.Sprintf("%s/executions/%s", url, args[0]))
		if err != nil {
			cmd.Printf("Request failed: %v\n", err)
			return
		}
		defer resp.Body.Close()

		bodyBytes, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			cmd.Printf("Error (%d): %s\n", resp.StatusCode, string(bodyBytes))
			return
		}

		var exec api.ExecutionResponse
		if err := json.Unmarshal(bodyBytes, &exec); err != nil {
			cmd.Printf("Failed to parse response: %v\n", err)
			return
		}

		cmd.Printf("ID:       %s\n", exec.ID)
		cmd.Printf("Command:  %s\n", strings.Join(exec.Command, " "))
		cmd.Printf("State:    %s\n", exec.State)
		cmd.Printf("PID:      %d\n", exec.Pid)
		cmd.Printf("Started:  %s\n", exec.StartedAt.Format("2006-01-02 15:04:05"))
		if exec.CompletedAt != nil {
			cmd.Printf("Finished: %s\n", exec.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		if exec.ExitCode != nil {
			if *exec.ExitCode < 0 {
				cmd.Printf("Signal:   %d\n", -*exec.ExitCode)
			} else {
				cmd.Printf("Exit:     %d\n", *exec.ExitCode)
			}
		}
		if exec.OutputTail != "" {
			cmd.Printf("Output:\n%s\n", exec.OutputTail)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
