package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"procplane/pkg/api"

	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec -- COMMAND [ARGS...]",
	Short: "Start an execution on the daemon",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, url := apiClient()

		body, err := json.Marshal(api.RunRequest{Command: args})
		if err != nil {
			cmd.Printf("Failed to encode request: %v\n", err)
			return
		}

		resp, err := client.Post(fmt.Sprintf("%s/executions", url), "application/json", bytes.NewReader(body))
		if err != nil {
			cmd.Printf("Request failed: %v\n", err)
			return
		}
		defer resp.Body.Close()

		bodyBytes, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusCreated {
			cmd.Printf("Error (%d): %s\n", resp.StatusCode, string(bodyBytes))
			return
		}

		var result api.RunResponse
		if err := json.Unmarshal(bodyBytes, &result); err != nil {
			cmd.Println("Execution started (failed to parse response)")
			return
		}

		cmd.Printf("🚀 Execution started!\nID: %s\n", result.ExecutionID)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
