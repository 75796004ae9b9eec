// Package cmd wires the rpcsentinel command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by the main package via ldflags.
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by the main package to set version information.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "rpcsentinel",
	Short: "Rate-limit-aware reverse proxy for Ethereum JSON-RPC endpoints",
	Long: `rpcsentinel proxies Ethereum JSON-RPC traffic across multiple upstream
endpoints, detects rate limiting and transient failures, quarantines
offending endpoints under exponential backoff, and fails over
transparently within a single client request.

Use the subcommands to perform specific operations.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: rpcsentinel.yaml in ., ./config or $HOME/.config/rpcsentinel)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the config file and environment variables.
func initConfig() {
	observability.InitCLILogger(verbose)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.config/rpcsentinel")
		}
		viper.SetConfigName("rpcsentinel")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RPCSENTINEL")
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		observability.CLILogger.Debug("using config file",
			zap.String("path", viper.ConfigFileUsed()))
	} else {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			observability.CLILogger.Debug("no config file found, using defaults and environment")
		} else {
			fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig decodes the viper state into a typed Config.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}
