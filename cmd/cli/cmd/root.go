package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// childExit holds the exit status the CLI should terminate with after a
// local run, so the child's code propagates the way shells expect.
var childExit int

var rootCmd = &cobra.Command{
	Use:   "procctl",
	Short: "Procctl is a command line tool for running commands locally and through a procplane daemon",
	Long: `procctl is the command-line interface for procplane, a subprocess
execution plane for POSIX systems.

It can run commands directly, with full control over how each standard
stream of the child is wired (inherited, /dev/null, swapped, or merged),
chain commands through pipes, and talk to a procd daemon that supervises
executions remotely.

Common workflows:

  Run a command with stderr merged into stdout:
    procctl run --stderr merge -- sh -c 'echo out; echo err >&2'

  Chain commands through pipes:
    procctl pipeline 'cat /etc/passwd' 'sort' 'head -3'

  Start an execution on a daemon:
    procctl exec -- sleep 60

  Check it and kill it:
    procctl status <execution-id>
    procctl kill <execution-id> --signal 9

Configuration:
  Set the daemon endpoint via flags, environment variables or a config file:
    PROCPLANE_URL    Daemon endpoint (default: http://localhost:7070)`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ChildExit reports the exit status recorded by a local run, 0 otherwise.
func ChildExit() int {
	return childExit
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".procctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".procctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PROCPLANE_VARNAME"
	viper.SetEnvPrefix("PROCPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.procctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:7070", "Procplane daemon URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
