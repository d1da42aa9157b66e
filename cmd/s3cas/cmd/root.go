// Package cmd implements the s3cas command line interface over the
// CAS storage engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/threefoldtech/s3-cas/pkg/cas"
	"github.com/threefoldtech/s3-cas/pkg/dlogger"
	"github.com/threefoldtech/s3-cas/pkg/kv"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "s3cas",
	Short: "s3cas manages a content-addressable object store",
	Long: `s3cas manages a deduplicated, reference-counted object store with
S3-style bucket and key semantics. Objects are chunked into blocks
identified by their MD5; identical blocks are stored once and shared
by every object referencing them.`,
}

var cfgFile string

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	fl := rootCmd.PersistentFlags()
	fl.StringVar(&cfgFile, "config", "", "config file (default: ./s3cas.yaml)")
	fl.String("meta-root", ".s3-cas/meta", "metadata root directory")
	fl.String("fs-root", ".s3-cas/blocks", "block pool root directory")
	fl.String("metadata-db", "transactional", "storage engine (transactional, best_effort_undo)")
	fl.String("durability", "fsync", "metadata durability (buffer, fdatasync, fsync)")
	fl.Int("inline-threshold", 0, "max object size stored inline, 0 disables")
	fl.String("log-level", dlogger.LogLevelInfo, "log level (debug, info, none)")

	for _, key := range []string{"meta-root", "fs-root", "metadata-db", "durability", "inline-threshold", "log-level"} {
		_ = viper.BindPFlag(key, fl.Lookup(key))
	}
}

// initConfig reads in the config file and environment variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("s3cas")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("S3CAS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "reading config:", err)
			os.Exit(1)
		}
	}
}

// openFS builds the engine from the effective configuration.
func openFS() (*cas.CasFS, error) {
	engine, ok := kv.ParseEngine(viper.GetString("metadata-db"))
	if !ok {
		return nil, fmt.Errorf("unknown storage engine %q", viper.GetString("metadata-db"))
	}
	durability, ok := kv.ParseDurability(viper.GetString("durability"))
	if !ok {
		return nil, fmt.Errorf("unknown durability %q", viper.GetString("durability"))
	}
	logger, err := dlogger.GetLogger(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}

	return cas.New(
		cas.MetaRoot(viper.GetString("meta-root")),
		cas.FsRoot(viper.GetString("fs-root")),
		cas.StorageEngine(engine),
		cas.WithDurability(durability),
		cas.InlineThreshold(viper.GetInt("inline-threshold")),
		cas.Logger(logger),
	)
}
