package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"icapd/internal/config"
	"icapd/internal/icap"
)

var version = "dev"

var (
	cfgFile   string
	verbose   bool
	configErr error
)

var rootCmd = &cobra.Command{
	Use:           "icapd",
	Short:         "ICAP content adaptation server",
	Long:          "icapd is an ICAP (RFC 3507) server that tokenizes card numbers in HTTP traffic passed to it by a proxy.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("icapd", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configErr != nil {
			return configErr
		}
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintln(os.Stderr, "Config file:", f)
		}
		fmt.Println(string(out))
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/icapd")
		viper.SetConfigType("yaml")
		viper.SetConfigName("icapd")
	}

	viper.SetEnvPrefix("ICAPD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	case errors.As(err, &notFound):
		// Defaults and environment only.
	default:
		configErr = fmt.Errorf("read config: %w", err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	icap.ServerName = "icapd/" + version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./icapd.yaml or /etc/icapd/icapd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(serveCmd, clientCmd, configCmd, versionCmd)
}
