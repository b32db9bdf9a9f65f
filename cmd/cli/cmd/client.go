package cmd

import (
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// apiClient returns the HTTP client and base URL used for daemon calls.
func apiClient() (*http.Client, string) {
	url := strings.TrimRight(viper.GetString("url"), "/")
	return &http.Client{Timeout: 30 * time.Second}, url
}
