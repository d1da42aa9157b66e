package cmd

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect store internals",
}

var inspectKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show metadata key counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		buckets, blocks, paths, err := fs.NumKeys()
		if err != nil {
			return err
		}
		fmt.Printf("buckets: %d\nblocks:  %d\npaths:   %d\n", buckets, blocks, paths)
		return nil
	},
}

var inspectSpaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Show metadata disk usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		n, err := fs.DiskSpace()
		if err != nil {
			return err
		}
		fmt.Println(units.BytesSize(float64(n)))
		return nil
	},
}

func init() {
	inspectCmd.AddCommand(inspectKeysCmd, inspectSpaceCmd)
	rootCmd.AddCommand(inspectCmd)
}
