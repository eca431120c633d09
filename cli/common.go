package cli

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/rowflow/bus"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/loader"
	"github.com/petal-labs/rowflow/registry"
)

const (
	envStorePath  = "ROWFLOW_STORE_PATH"
	envRowsetSize = "ROWFLOW_ROWSET_SIZE"
)

// store is what the CLI needs from an audit store.
type store interface {
	bus.EventStore
	bus.RunHistory
}

// loadGraph reads and validates a graph file and builds the graph with
// the builtin stage kinds. Validation errors are printed to stderr.
func loadGraph(cmd *cobra.Command, path string) (*graph.Graph, error) {
	gd, _, err := loader.LoadGraph(path, registry.Global())
	if err != nil {
		var diagErr *loader.DiagnosticError
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, exitError(exitFileNotFound, "file not found: %s", path)
		case errors.As(err, &diagErr):
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
			return nil, exitError(exitValidation, "validation failed")
		case errors.Is(err, loader.ErrNotAGraph):
			return nil, exitError(exitWrongSchema, "%v", err)
		}
		return nil, exitError(exitValidation, "%v", err)
	}
	g, err := gd.ToGraph(graph.WithKindLookup(registry.Global()))
	if err != nil {
		return nil, exitError(exitValidation, "building graph: %v", err)
	}
	return g, nil
}

// parseVars turns repeated KEY=VALUE flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, exitError(exitInputParse, "invalid --var %q (want KEY=VALUE)", kv)
		}
		vars[k] = v
	}
	return vars, nil
}

func addVarFlag(cmd *cobra.Command) {
	cmd.Flags().StringArray("var", nil, "Set a graph variable used in copy counts (repeatable, KEY=VALUE)")
}

func varsFromFlags(cmd *cobra.Command) (map[string]string, error) {
	pairs, _ := cmd.Flags().GetStringArray("var")
	return parseVars(pairs)
}

// newLogger builds the process logger from the root --verbose and --quiet
// flags. Logs go to stderr.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = slog.LevelDebug
	}
	if q, _ := cmd.Flags().GetBool("quiet"); q {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// storePath returns --store, falling back to ROWFLOW_STORE_PATH.
func storePath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("store")
	if strings.TrimSpace(p) == "" {
		p = os.Getenv(envStorePath)
	}
	return strings.TrimSpace(p)
}

// openStore opens the SQLite audit store at path, or an in-memory store
// when path is empty. The returned close function is never nil.
func openStore(path string) (store, func() error, error) {
	if path == "" {
		return bus.NewMemEventStore(), func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, exitError(exitStore, "creating store directory: %v", err)
		}
	}
	s, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: path})
	if err != nil {
		return nil, nil, exitError(exitStore, "opening store %s: %v", path, err)
	}
	return s, s.Close, nil
}

func addStoreFlag(cmd *cobra.Command) {
	cmd.Flags().String("store", "", "Path to the SQLite audit store (env "+envStorePath+"; default: in-memory)")
}

func checkFormat(format string) error {
	switch format {
	case "text", "json":
		return nil
	}
	return exitError(exitInputParse, "unknown format %q (use text or json)", format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	return nil
}
