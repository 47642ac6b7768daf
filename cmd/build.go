package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/config"
	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

var (
	buildOverride string
	buildLevel    int
	buildAction   string
	buildTree     treeFlags
)

var buildCmd = &cobra.Command{
	Use:   "build <definition>",
	Short: "Build an image from a definition",
	Long: `Build runs the pipeline described by a YAML build definition.

Level 1 (the default) copies the image, opens and initializes its root
filesystem, applies the definition's actions, builds the optional package
mirror, repacks and creates the new image. Level 2 stops once the tree is
initialized so it can be modified by hand.

--action runs a single stage, e.g. --action install-package.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	flags := buildCmd.Flags()
	flags.StringVar(&buildOverride, "override", "", "definition merged over the main one")
	flags.IntVarP(&buildLevel, "level", "l", 1, "build level: 1 full build, 2 stop after fs-init")
	flags.StringVarP(&buildAction, "action", "a", "", "run a single stage")
	flags.AddFlagSet(buildTree.flagSet())
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	stop := handleSignals(svc)
	defer stop()

	result, err := svc.Build(cmd.Context(), service.BuildOptions{
		DefinitionPath: args[0],
		OverridePath:   buildOverride,
		Cwd:            buildTree.cwd,
		Overrides:      buildTree.overrides,
		Level:          buildLevel,
		Only:           buildAction,
		Force:          config.GetConfig().Force,
		Out:            os.Stdout,
	})
	if err != nil {
		if result != nil && result.RunID != "" {
			fmt.Fprintf(os.Stderr, "Build %s failed, see \"isobuilder status %s\".\n", result.RunID, result.RunID)
		}
		return err
	}

	if result.UpToDate {
		fmt.Printf("%s is up to date (use -f to rebuild).\n", result.Output)
		return nil
	}

	fmt.Printf("\nBuild %s finished in %s\n", result.RunID, result.Duration.Round(time.Second))
	fmt.Printf("  Stages: %d\n", len(result.Stages))
	if result.Output != "" {
		fmt.Printf("  Image:  %s\n", result.Output)
	}
	if result.Object != "" {
		fmt.Printf("  Object: %s\n", result.Object)
	}
	return nil
}
