// Command microcase serves the microcase API and runs the generation
// pipeline offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jxucoder/microcase/internal/config"
)

var (
	cfgFile string
	verbose bool

	v      = config.NewViper()
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "microcase",
	Short: "Turn code review comments into verified coding exercises",
	Long: `microcase generates small, verified coding exercises ("microcases")
from the review comments of a pull request or a CSV file.

Start the API server:
  microcase serve

Run the pipeline on a local project:
  microcase run --reviews reviews.csv --project ./src`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return config.ReadFile(v, cfgFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.microcase/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
}

// loadConfig builds the Config from the file, environment and bound flags.
func loadConfig() (*config.Config, error) {
	return config.FromViper(v)
}

func bindFlag(key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", name, err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
