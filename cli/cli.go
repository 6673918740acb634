// Package cli implements the monostore command line
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rarydzu/monostore/config"
	"github.com/rarydzu/monostore/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type flags struct {
	config      string
	root        string
	metaBackend string
	metaPath    string
	dev         bool
	fsFirst     bool
	nameLocks   bool
}

type app struct {
	flags flags
	cfg   *config.Config
	log   *zap.SugaredLogger
}

// NewRootCommand builds the monostore command tree
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "monostore",
		Short:         "Transactional local file storage with metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.config, "config", "", "Path to yaml configuration file.")
	pf.StringVar(&a.flags.root, "root", "", "Storage root directory.")
	pf.StringVar(&a.flags.metaBackend, "meta-backend", "", "Metadata backend: sqlite, badger, leveldb or nutsdb.")
	pf.StringVar(&a.flags.metaPath, "meta-path", "", "Path of the metadata store.")
	pf.BoolVar(&a.flags.dev, "dev", false, "Run in development mode.")
	pf.BoolVar(&a.flags.fsFirst, "fs-first", false, "Commit files before metadata.")
	pf.BoolVar(&a.flags.nameLocks, "name-locks", false, "Serialize commits of the same name.")

	root.AddCommand(
		a.serveCmd(),
		a.putCmd(),
		a.getCmd(),
		a.statCmd(),
		a.lsCmd(),
		a.findCmd(),
		a.updateCmd(),
		a.rmCmd(),
		a.syncCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	logger, err := zap.NewProduction()
	if a.flags.dev {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize zap logger: %w", err)
	}
	a.log = logger.Sugar()

	cfg, err := config.Load(a.flags.config)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("root") {
		cfg.StorageRoot = a.flags.root
	}
	if f.Changed("meta-backend") {
		cfg.MetaBackend = a.flags.metaBackend
	}
	if f.Changed("meta-path") {
		cfg.MetaPath = a.flags.metaPath
	}
	if f.Changed("dev") {
		cfg.DebugMode = a.flags.dev
	}
	if f.Changed("fs-first") && a.flags.fsFirst {
		cfg.CommitOrder = config.OrderFSFirst
	}
	if f.Changed("name-locks") {
		cfg.NameLocks = a.flags.nameLocks
	}
	a.cfg = cfg
	return cfg.Validate()
}

// withWorker runs fn with a worker that is closed afterwards
func (a *app) withWorker(ctx context.Context, fn func(w *worker.Worker) error) error {
	w, err := worker.New(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			a.log.Warnf("close: %v", err)
		}
	}()
	return fn(w)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitName splits base name of file into filename and extension without dot
func splitName(file string) (string, string) {
	base := filepath.Base(file)
	ext := filepath.Ext(base)
	if ext == "" || ext == base {
		return base, ""
	}
	return strings.TrimSuffix(base, ext), ext[1:]
}

func readInput(path string, in io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(in)
	}
	return os.ReadFile(path)
}
