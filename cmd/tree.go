package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

// treeRunFunc runs one step against the workspace derived from the image
// argument. args excludes the image.
type treeRunFunc func(ctx context.Context, svc *service.Service, ws *service.Workspace, args []string) error

// treeCommand builds a command whose first argument is the source image the
// working tree belongs to.
type treeCommand struct {
	tree  treeFlags
	repos []string
}

func (tc *treeCommand) command(use, short string, args cobra.PositionalArgs, run treeRunFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ws := svc.Workspace(tc.tree.options(args[0], tc.repos))
			return run(cmd.Context(), svc, ws, args[1:])
		},
	}
	cmd.Flags().AddFlagSet(tc.tree.flagSet())
	return cmd
}

// newTreeCommand is a shorthand for a command with its own tree flags.
func newTreeCommand(use, short string, args cobra.PositionalArgs, run treeRunFunc) *cobra.Command {
	return (&treeCommand{}).command(use, short, args, run)
}
