package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"procplane/pkg/api"

	"github.com/spf13/viper"
)

func TestKillCommand_Success(t *testing.T) {
	resetCLI()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/executions/exec-123/signal") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req api.SignalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Signal != 9 {
			t.Errorf("expected signal 9, got %d", req.Signal)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"kill", "exec-123", "--signal", "9"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "Signal 9 delivered") {
		t.Errorf("expected delivery confirmation, got: %s", stdout.String())
	}
}

func TestKillCommand_AlreadyFinished(t *testing.T) {
	resetCLI()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("Execution already finished"))
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"kill", "exec-123", "--signal", "15"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout.String(), "Error (409)") {
		t.Errorf("expected error status in output, got: %s", stdout.String())
	}
}
