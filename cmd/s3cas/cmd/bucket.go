package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage buckets",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()
		return fs.CreateBucket(context.Background(), args[0])
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buckets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		buckets, err := fs.ListBuckets(context.Background())
		if err != nil {
			return err
		}
		for _, b := range buckets {
			fmt.Printf("%s\t%s\n", b.CreatedAt.Format("2006-01-02 15:04:05"), b.Name)
		}
		return nil
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a bucket and every object in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()
		return fs.DeleteBucket(context.Background(), args[0])
	},
}

func init() {
	bucketCmd.AddCommand(bucketCreateCmd, bucketListCmd, bucketDeleteCmd)
	rootCmd.AddCommand(bucketCmd)
}
