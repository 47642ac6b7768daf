package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/mirror"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Build a local package mirror inside the image",
}

func init() {
	mirrorCmd.AddCommand(
		newTreeCommand("download <image> <package>...", "Download packages and their dependencies into the mirror cache",
			cobra.MinimumNArgs(2), mirrorDownload),
		newTreeCommand("copy <image>", "Copy the cached packages into the tree",
			cobra.ExactArgs(1), mirrorCopy),
		newMirrorCompileCmd(),
		newTreeCommand("configure <image> <key-file>", "Point apt inside the tree at the local mirror",
			cobra.ExactArgs(2), mirrorConfigure),
	)
	rootCmd.AddCommand(mirrorCmd)
}

func mirrorDownload(ctx context.Context, _ *service.Service, ws *service.Workspace, args []string) error {
	var names []string
	for _, arg := range args {
		names = append(names, util.SplitList(arg)...)
	}

	if err := ws.Mirror.Prepare(ctx); err != nil {
		return err
	}
	report, err := ws.Mirror.Download(ctx, util.Dedupe(names))
	if report != nil {
		fmt.Printf("Resolved %d packages: %d downloaded, %d cached, %d evicted, %d virtual\n",
			len(report.Resolved), len(report.Downloaded), len(report.Skipped), len(report.Evicted), len(report.Virtual))
		for _, name := range report.Failed {
			fmt.Printf("  failed: %s\n", name)
		}
	}
	return err
}

func mirrorCopy(_ context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Mirror.CopyMirror(); err != nil {
		return err
	}
	fmt.Printf("Mirror copied into %s\n", ws.Tree.LocalMirror())
	return nil
}

func newMirrorCompileCmd() *cobra.Command {
	var (
		rel  mirror.Release
		sign mirror.Signing
	)
	cmd := newTreeCommand("compile <image>", "Generate and sign the mirror index",
		cobra.ExactArgs(1),
		func(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
			if err := ws.Mirror.CompileMirror(ctx, rel, sign); err != nil {
				return err
			}
			fmt.Printf("Mirror index written to %s\n", ws.Tree.LocalMirror())
			return nil
		})

	flags := cmd.Flags()
	flags.StringVar(&rel.Origin, "origin", "", "Release origin")
	flags.StringVar(&rel.Label, "label", "", "Release label")
	flags.StringVar(&rel.Suite, "suite", "", "Release suite")
	flags.StringVar(&rel.Version, "release-version", "", "Release version")
	flags.StringVar(&rel.Codename, "codename", "", "Release codename")
	flags.StringVar(&rel.Architectures, "architectures", "", "Release architectures")
	flags.StringVar(&rel.Components, "components", "main", "Release components")
	flags.StringVar(&rel.Description, "description", "", "Release description")
	flags.StringVar(&sign.Key, "gpg-key", "", "key signing the Release file; unsigned when empty")
	flags.StringVar(&sign.Passphrase, "gpg-passphrase", "", "passphrase of the signing key")
	return cmd
}

func mirrorConfigure(ctx context.Context, _ *service.Service, ws *service.Workspace, args []string) error {
	if err := ws.Mirror.ConfigureMirror(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("Local mirror configured")
	return nil
}
