package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/iso"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

var isoCmd = &cobra.Command{
	Use:   "iso",
	Short: "Mount, copy and create images",
}

func init() {
	isoCmd.AddCommand(
		newTreeCommand("mount <image>", "Loop mount an image read-only (-f remounts)",
			cobra.ExactArgs(1), isoMount),
		newTreeCommand("copy <image>", "Copy the image contents into a writable tree",
			cobra.ExactArgs(1), isoCopy),
		newISOCreateCmd(),
		newTreeCommand("unmount <image>", "Release the image mount",
			cobra.ExactArgs(1), isoUnmount),
		newISOPublishCmd(),
	)
	rootCmd.AddCommand(isoCmd)
}

func isoMount(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Imager.Mount(ctx, ws.Image, config.GetConfig().Force); err != nil {
		return err
	}
	fmt.Printf("%s mounted at %s\n", ws.Image, ws.Tree.MountPath)
	return nil
}

func isoCopy(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Imager.Copy(ctx, ws.Image); err != nil {
		return err
	}
	fmt.Printf("%s copied to %s\n", ws.Image, ws.Tree.SourcePath)
	return nil
}

func newISOCreateCmd() *cobra.Command {
	var opts iso.CreateOptions
	cmd := newTreeCommand("create <image>", "Create a bootable image from the source tree",
		cobra.ExactArgs(1),
		func(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
			if opts.Output == "" {
				opts.Output = iso.DefaultOutput(ws.Image)
			}
			opts.Force = config.GetConfig().Force

			out, err := ws.Imager.Create(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s\n", out)
			return nil
		})

	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "output image; a bare name is placed in <cwd>/build")
	flags.StringVar(&opts.Label, "label", "", "volume label")
	flags.BoolVar(&opts.Keep, "keep", false, "keep the source tree afterwards")
	return cmd
}

func isoUnmount(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	return ws.Imager.Unmount(ctx)
}

func newISOPublishCmd() *cobra.Command {
	var opts service.PublishOptions
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Upload an image to a storage bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Bucket == "" {
				return fmt.Errorf("--bucket is required")
			}
			svc, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			object, err := svc.Publish(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Printf("Published gs://%s/%s\n", opts.Bucket, object)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Bucket, "bucket", "", "destination bucket")
	flags.StringVar(&opts.Prefix, "prefix", "", "object name prefix")
	flags.BoolVar(&opts.Compress, "compress", true, "zstd compress the upload")
	return cmd
}
