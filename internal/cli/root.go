// Package cli provides the noetl command-line surface (SPEC_FULL.md §6
// "CLI surface (minimum)"): register, run, exec, status, and the serve
// daemon commands. Grounded on cli/root.go's cobra root command plus
// PersistentFlags/viper.BindPFlag/OnInitialize idiom, generalized from the
// teacher's single Echo-server command into a multi-subcommand tree rooted
// on internal/config.Load and internal/runtime.New instead of the
// teacher's RabbitMQ/CouchDB/Echo stack.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes (§6 "CLI surface (minimum)"): 0 success, 1 invalid
// arguments, 2 validation failure, 3 remote/server error, 4 execution
// failure.
const (
	ExitOK             = 0
	ExitInvalidArgs    = 1
	ExitValidation     = 2
	ExitServerError    = 3
	ExitExecutionError = 4
)

var cfgFile string

// RootCmd is the noetl root command.
var RootCmd = &cobra.Command{
	Use:   "noetl",
	Short: "NoETL workflow execution core",
	Long:  "noetl registers, runs, and inspects playbook-driven workflow executions.",
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.noetl.yaml)")
	RootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	RootCmd.PersistentFlags().String("redis-addr", "", "Redis address")
	RootCmd.PersistentFlags().Int64("shard", 0, "id generator shard number")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "log format (json or text)")

	_ = viper.BindPFlag("postgres_dsn", RootCmd.PersistentFlags().Lookup("postgres-dsn"))
	_ = viper.BindPFlag("redis_addr", RootCmd.PersistentFlags().Lookup("redis-addr"))
	_ = viper.BindPFlag("shard", RootCmd.PersistentFlags().Lookup("shard"))
	_ = viper.BindPFlag("log_level", RootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", RootCmd.PersistentFlags().Lookup("log-format"))

	RootCmd.AddCommand(registerCmd)
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(execCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".noetl")
	}
	viper.SetEnvPrefix("noetl")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

// Execute runs the root command and returns a process exit code in place
// of calling os.Exit directly, so main.go controls the actual exit.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code, ok := exitCodeFor(err); ok {
			return code
		}
		return ExitInvalidArgs
	}
	return ExitOK
}
