package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/threefoldtech/s3-cas/pkg/cas"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Manage objects",
}

var objectPutCmd = &cobra.Command{
	Use:   "put BUCKET KEY FILE",
	Short: "Store a file under bucket/key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		f, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}

		info, err := fs.PutObject(context.Background(), args[0], args[1], f, fi.Size())
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\t%s\n", info.ETag, info.Size, info.Key)
		return nil
	},
}

var objectRange string

var objectGetCmd = &cobra.Command{
	Use:   "get BUCKET KEY FILE",
	Short: "Retrieve an object into a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		rng, err := cas.ParseRange(objectRange)
		if err != nil {
			return err
		}

		rd, _, err := fs.GetObject(context.Background(), args[0], args[1], rng)
		if err != nil {
			return err
		}
		defer rd.Close()

		out, err := os.Create(args[2])
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, rd); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	},
}

var objectHeadCmd = &cobra.Command{
	Use:   "head BUCKET KEY",
	Short: "Show object metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		info, err := fs.HeadObject(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("key:     %s\nsize:    %d\netag:    %s\ncreated: %s\n",
			info.Key, info.Size, info.ETag, info.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var objectDeleteCmd = &cobra.Command{
	Use:   "delete BUCKET KEY",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()
		return fs.DeleteObject(context.Background(), args[0], args[1])
	},
}

var (
	listPrefix  string
	listMaxKeys int
)

var objectListCmd = &cobra.Command{
	Use:   "list BUCKET",
	Short: "List objects in a bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFS()
		if err != nil {
			return err
		}
		defer fs.Close()

		ctx := context.Background()
		token := ""
		for {
			page, err := fs.ListObjects(ctx, args[0], cas.ListObjectsInput{
				Prefix:            listPrefix,
				ContinuationToken: token,
				MaxKeys:           listMaxKeys,
			})
			if err != nil {
				return err
			}
			for _, o := range page.Objects {
				fmt.Printf("%s\t%12d\t%s\n", o.ETag, o.Size, o.Key)
			}
			if !page.Truncated {
				return nil
			}
			token = page.NextContinuationToken
		}
	},
}

func init() {
	objectGetCmd.Flags().StringVar(&objectRange, "range", "", `byte range, e.g. "bytes=0-1023"`)
	objectListCmd.Flags().StringVar(&listPrefix, "prefix", "", "only keys with this prefix")
	objectListCmd.Flags().IntVar(&listMaxKeys, "max-keys", 0, "page size")

	objectCmd.AddCommand(objectPutCmd, objectGetCmd, objectHeadCmd, objectDeleteCmd, objectListCmd)
	rootCmd.AddCommand(objectCmd)
}
