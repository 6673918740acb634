package cli

import (
	"fmt"
	"os"

	"github.com/rarydzu/monostore/metadb"
	"github.com/rarydzu/monostore/service"
	"github.com/rarydzu/monostore/worker"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run storage maintenance until stopped by a signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := worker.New(cmd.Context(), a.cfg, a.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			w.Wait()
			return nil
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var name, ext, comment string
	cmd := &cobra.Command{
		Use:   "put <path> <local-file>",
		Short: "Store local file under path, - reads stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}
			req := service.CreateRequest{Path: args[0]}
			req.Filename, req.Extension = splitName(args[1])
			if cmd.Flags().Changed("name") {
				req.Filename = name
			}
			if cmd.Flags().Changed("ext") {
				req.Extension = ext
			}
			if cmd.Flags().Changed("comment") {
				req.Comment = &comment
			}
			if req.Filename == "" || req.Filename == "-" {
				return fmt.Errorf("filename is required, use --name")
			}
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				meta, err := w.Files().CreateFile(cmd.Context(), data, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Filename, defaults to the local file name.")
	cmd.Flags().StringVar(&ext, "ext", "", "Extension, defaults to the local file extension.")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment.")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id> [out]",
		Short: "Write content of file id to out or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				data, err := w.Files().GetFileByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(args) == 2 {
					return os.WriteFile(args[1], data, 0o640)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <id>",
		Short: "Print metadata of file id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				meta, err := w.Files().GetFileMeta(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
}

func pageFlags(cmd *cobra.Command, page *metadb.Page) {
	cmd.Flags().IntVar(&page.Limit, "limit", 0, "Maximal number of results, 0 lists all.")
	cmd.Flags().IntVar(&page.Offset, "offset", 0, "Number of results to skip.")
}

func (a *app) lsCmd() *cobra.Command {
	var page metadb.Page
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List metadata of stored files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				metas, err := w.Files().ListFiles(cmd.Context(), page)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), metas)
			})
		},
	}
	pageFlags(cmd, &page)
	return cmd
}

func (a *app) findCmd() *cobra.Command {
	var page metadb.Page
	cmd := &cobra.Command{
		Use:   "find <prefix>",
		Short: "List files whose path starts with prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				metas, err := w.Files().SearchFilesByPath(cmd.Context(), args[0], page)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), metas)
			})
		},
	}
	pageFlags(cmd, &page)
	return cmd
}

func (a *app) updateCmd() *cobra.Command {
	var name, ext, path, comment string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change metadata of file id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd metadb.Update
			f := cmd.Flags()
			if f.Changed("name") {
				upd.Filename = &name
			}
			if f.Changed("ext") {
				upd.Extension = &ext
			}
			if f.Changed("path") {
				upd.Path = &path
			}
			if f.Changed("comment") {
				upd.Comment = &comment
			}
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				meta, err := w.Files().UpdateFileMeta(cmd.Context(), args[0], upd)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New filename.")
	cmd.Flags().StringVar(&ext, "ext", "", "New extension.")
	cmd.Flags().StringVar(&path, "path", "", "New path.")
	cmd.Flags().StringVar(&comment, "comment", "", "New comment.")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete file id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				return w.Files().DeleteFile(cmd.Context(), args[0])
			})
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Remove stored files without metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorker(cmd.Context(), func(w *worker.Worker) error {
				removed, err := w.Files().SyncStorageWithDB(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range removed {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}
