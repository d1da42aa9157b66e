package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print the effective configuration as yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := map[string]interface{}{
			"meta-root":        viper.GetString("meta-root"),
			"fs-root":          viper.GetString("fs-root"),
			"metadata-db":      viper.GetString("metadata-db"),
			"durability":       viper.GetString("durability"),
			"inline-threshold": viper.GetInt("inline-threshold"),
			"log-level":        viper.GetString("log-level"),
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenerateCmd)
	rootCmd.AddCommand(configCmd)
}
