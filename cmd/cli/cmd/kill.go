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

var killSignal int

var killCmd = &cobra.Command{
	Use:   "kill [execution_id]",
	Short: "Send a signal to a running execution",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, url := apiClient()

		body, err := json.Marshal(api.SignalRequest{Signal: killSignal})
		if err != nil {
			cmd.Printf("Failed to encode request: %v\n", err)
			return
		}

		resp, err := client.Post(
			fmt.Sprintf("%s/executions/%s/signal", url, args[0]),
			"application/json", bytes.NewReader(body),
		)
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

		cmd.Printf("Signal %d delivered to %s\n", killSignal, args[0])
	},
}

func init() {
	killCmd.Flags().IntVarP(&killSignal, "signal", "s", 15, "signal number to deliver")

	rootCmd.AddCommand(killCmd)
}
