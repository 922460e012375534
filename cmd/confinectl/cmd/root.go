package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kolkov/confine"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "confinectl",
	Short: "Diagnostics for the confine library",
	Long: `confinectl runs the confine reference scenarios in-process and reports
the effective library configuration.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return err
		}
		return confine.Configure(cfg)
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "TOML config file")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error, disabled")
	flags.String("abnormal-exit", "", "policy for panicking goroutines: leak or destroy")

	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("abnormal_exit", flags.Lookup("abnormal-exit"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	viper.SetEnvPrefix("CONFINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	def := confine.DefaultConfig()
	viper.SetDefault("log_level", def.LogLevel)
	viper.SetDefault("abnormal_exit", string(def.AbnormalExit))
	viper.SetDefault("sweep_interval", def.SweepInterval.String())
	viper.SetDefault("report", def.Report)
	viper.SetDefault("capture_stacks", def.CaptureStacks)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")
	}
}

// effectiveConfig merges defaults, the config file, CONFINE_* variables and
// flags, in increasing priority.
func effectiveConfig() (confine.Config, error) {
	if cfgFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return confine.Config{}, fmt.Errorf("config file not found: %s", cfgFile)
			}
			return confine.Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := confine.Config{
		LogLevel:      strings.ToLower(viper.GetString("log_level")),
		AbnormalExit:  confine.ExitPolicy(strings.ToLower(viper.GetString("abnormal_exit"))),
		Report:        viper.GetBool("report"),
		CaptureStacks: viper.GetBool("capture_stacks"),
	}
	if err := cfg.SweepInterval.UnmarshalText([]byte(viper.GetString("sweep_interval"))); err != nil {
		return confine.Config{}, fmt.Errorf("sweep_interval: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return confine.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
