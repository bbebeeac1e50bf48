package cli

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/source"
)

func newUploadCommand(o *options) *cobra.Command {
	var conflict string
	var progress bool

	cmd := &cobra.Command{
		Use:   "upload LOCAL REMOTE",
		Short: "Upload a local file through an upload session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			behavior := adapter.ConflictBehavior(strings.ToLower(conflict))
			switch behavior {
			case "", adapter.ConflictRename, adapter.ConflictReplace, adapter.ConflictFail:
			default:
				return fmt.Errorf("invalid --conflict %q", conflict)
			}

			src, err := source.OpenFile(args[0])
			if err != nil {
				return err
			}
			log := o.log.WithFields(logrus.Fields{"file": args[0], "size": src.Size()})

			opts := adapter.UploadOptions{ConflictBehavior: behavior}
			if progress {
				opts.Progress = func(sent, total int64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\r%s / %s", humanBytes(sent), humanBytes(total))
					if sent == total {
						fmt.Fprintln(cmd.ErrOrStderr())
					}
				}
			}

			meta, err := o.storage.Upload(cmd.Context(), args[1], src, opts)
			if err != nil {
				return err
			}
			log.WithField("item_id", meta.ID).Debug("uploaded")
			fmt.Fprintf(out(cmd), "%s\t%d\t%s\n", meta.Path, meta.Size, meta.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&conflict, "conflict", "", "rename, replace or fail when REMOTE exists")
	cmd.Flags().BoolVar(&progress, "progress", false, "print progress to stderr")
	return cmd
}

func newListCommand(o *options) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:     "ls [DIR]",
		Aliases: []string{"list"},
		Short:   "List a folder",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			for meta, err := range o.storage.List(cmd.Context(), dir, recursive) {
				if err != nil {
					return err
				}
				if meta.IsFolder {
					fmt.Fprintf(out(cmd), "%s/\n", meta.Path)
					continue
				}
				fmt.Fprintf(out(cmd), "%s\t%d\n", meta.Path, meta.Size)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into folders")
	return cmd
}

func newCatCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := o.storage.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = out(cmd).Write(file.Content)
			return err
		},
	}
}

func newRemoveCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.storage.Delete(cmd.Context(), args[0])
		},
	}
}

func newURLCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "url PATH",
		Short: "Print a shareable URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := o.storage.URL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out(cmd), url)
			return nil
		},
	}
}

func newExistsCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "exists PATH",
		Short: "Print whether PATH exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := o.storage.Has(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out(cmd), ok)
			return nil
		},
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
