package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msto63/popper/pkg/core/config"
	"github.com/msto63/popper/pkg/core/logging"
)

var (
	cfgFile string
	verbose bool
)

// errRejected makes the process exit with 1 without printing usage
var errRejected = errors.New("request rejected")

var rootCmd = &cobra.Command{
	Use:   "popper",
	Short: "Popper - request validation service",
	Long: `Popper checks inbound requests against validator chains configured
per endpoint and blocks the ones that fail.

Commands:
  serve      - run the HTTP and gRPC fronts
  validate   - validate a payload from a file or stdin
  endpoints  - list configured endpoints and validator types
  status     - probe a running instance
  version    - print build information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRejected) {
			printError(err)
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $"+config.EnvConfigPath+" or ./configs/popper.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig returns the config and the path it came from. Without a config
// file the defaults are used and the path is empty.
func loadConfig() (*config.Config, string, error) {
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		return cfg, cfgFile, err
	}
	path := os.Getenv(config.EnvConfigPath)
	if path == "" {
		for _, p := range config.DefaultPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := cfg.General.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.LoggerConfig{
		ServiceName: cfg.General.Name,
		Level:       level,
		Format:      cfg.General.LogFormat,
		Output:      os.Stderr,
	})
}

// quietLogger keeps one-shot commands to warnings unless --verbose is set
func quietLogger(cfg *config.Config) *logging.Logger {
	if verbose {
		return newLogger(cfg)
	}
	return newLogger(cfg).WithLevel(logging.LevelWarn)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
}
