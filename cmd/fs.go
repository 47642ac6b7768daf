package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/action"
	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/lifecycle"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
	"github.com/hnhdigital-os/ubuntu-iso-builder/util"
)

var fsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Work on the extracted root filesystem of an image",
}

func init() {
	fsCmd.AddCommand(
		newTreeCommand("open <image>", "Extract the root filesystem",
			cobra.ExactArgs(1), fsOpen),
		newTreeCommand("init <image>", "Prepare the root filesystem for chroot use",
			cobra.ExactArgs(1), fsInit),
		newRunActionCmd(),
		newTreeCommand("uninit <image>", "Reverse init",
			cobra.ExactArgs(1), fsUninit),
		newTreeCommand("close <image>", "Tear down and repack the root filesystem",
			cobra.ExactArgs(1), fsClose),
		newFsCleanupCmd(),
		newTreeCommand("state <image>", "Show the state of the working tree",
			cobra.ExactArgs(1), fsState),
	)
	rootCmd.AddCommand(fsCmd)
}

func fsOpen(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Lifecycle.Open(ctx); err != nil {
		return err
	}
	fmt.Printf("Root filesystem extracted to %s\n", ws.Tree.FsPath)
	return nil
}

func fsInit(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Lifecycle.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("%s is ready for chroot use\n", ws.Tree.FsPath)
	return nil
}

func newRunActionCmd() *cobra.Command {
	tc := &treeCommand{}
	cmd := tc.command("run-action <image> <action> [data]", "Run one action inside the tree",
		cobra.RangeArgs(2, 3),
		func(ctx context.Context, _ *service.Service, ws *service.Workspace, args []string) error {
			data := ""
			if len(args) > 1 {
				data = args[1]
			}
			return ws.Lifecycle.RunAction(ctx, args[0], data)
		})

	var kinds []string
	for _, k := range action.Kinds() {
		kinds = append(kinds, string(k))
	}
	cmd.Long = fmt.Sprintf(`Run one action inside an initialized tree.

Actions: %s

List actions take comma separated data, e.g. "curl,git". text-replace takes
a JSON object {"path": ..., "find": ..., "replace": ...}.`, strings.Join(kinds, ", "))
	cmd.Flags().StringSliceVar(&tc.repos, "repo", nil, "repository added before install-package (repeatable)")
	return cmd
}

func fsUninit(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	report := ws.Lifecycle.Uninit(ctx)
	for _, s := range report.Failed() {
		fmt.Printf("Warning: %s: %v\n", s.Name, s.Err)
	}
	fmt.Printf("%s is %s\n", ws.Tree.FsPath, ws.Lifecycle.State())
	return nil
}

func fsClose(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	if err := ws.Lifecycle.Close(ctx); err != nil {
		return err
	}
	fmt.Printf("Root filesystem repacked into %s\n", ws.Tree.SourcePath)
	return nil
}

func newFsCleanupCmd() *cobra.Command {
	var deleteTree bool
	cmd := newTreeCommand("cleanup <image>", "Tear down the tree after a failure",
		cobra.ExactArgs(1),
		func(ctx context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
			if deleteTree && !config.GetConfig().YesAll && !util.AskYN(fmt.Sprintf("Delete %s?", ws.Tree.FsPath), false) {
				fmt.Println("Cleanup cancelled")
				return nil
			}
			return ws.Lifecycle.Cleanup(ctx, deleteTree)
		})
	cmd.Flags().BoolVar(&deleteTree, "delete", false, "remove the tree afterwards")
	return cmd
}

func fsState(_ context.Context, _ *service.Service, ws *service.Workspace, _ []string) error {
	fmt.Println(stateLine(ws.Lifecycle))
	return nil
}

func stateLine(lc *lifecycle.Lifecycle) string {
	state := lc.State()
	line := fmt.Sprintf("%s: %s", lc.Tree().FsPath, state)
	if state != lifecycle.StateInitialized {
		return line
	}
	if at, err := lc.InitializedAt(); err == nil {
		line += " since " + at.Format(time.DateTime)
	}
	return line
}
