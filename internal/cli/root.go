package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cheri-lab/dwarfscan/internal/logging"
)

var (
	cfgFile   string
	verbosity int
)

// errScrapeFailed marks runs where at least one scraper job failed, so
// Execute can distinguish exit code 1 from misuse.
var errScrapeFailed = errors.New("one or more scraper jobs failed")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dwarfscan",
	Short: "Extract CHERI sub-object bounds from DWARF debug info",
	Long: `dwarfscan scrapes struct, union and class layouts from the DWARF
debug sections of compiled binaries and computes, for every field, the
compressed-capability bounds a pointer to that field would be narrowed
to. The results are stored in a relational database for downstream
CHERI compatibility analyses.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(verbosity)
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit codes: 0 success, 1 scraper failure, 2 misuse.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errScrapeFailed) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .dwarfscan.yaml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug, -vvv trace)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dwarfscan")
	}

	viper.SetEnvPrefix("DWARFSCAN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.L().WithField("config", viper.ConfigFileUsed()).Debug("Using config file")
	}
}
