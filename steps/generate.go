package steps

import (
	"context"
	"slices"

	"github.com/petal-labs/rowflow/core"
)

// Generate emits a fixed number of rows with constant field values.
//
// Config:
//
//	limit:    rows per copy (default 10)
//	fields:   mapping of field name to constant value
//	sequence: optional name of a leading 1-based row number field
type Generate struct {
	limit   int
	meta    *core.RowMeta
	values  []any
	seqName string
	emitted int
}

// NewGenerate returns an unconfigured generator; Init reads its config.
func NewGenerate() *Generate { return &Generate{} }

// Init parses the config. It is called again before every re-run.
func (g *Generate) Init(_ context.Context, io core.StepIO) error {
	cfg := io.Config()
	limit, err := configInt(cfg, "limit", 10)
	if err != nil {
		return err
	}
	fields, err := configMap(cfg, "fields")
	if err != nil {
		return err
	}

	g.limit = limit
	g.seqName = configString(cfg, "sequence", "")
	g.emitted = 0

	names := make([]string, 0, len(fields)+1)
	if g.seqName != "" {
		names = append(names, g.seqName)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	names = append(names, keys...)

	g.meta = core.NewRowMeta(names...)
	g.values = make([]any, 0, len(keys))
	for _, k := range keys {
		g.values = append(g.values, fields[k])
	}
	return nil
}

// RunOnce emits one row.
func (g *Generate) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	if g.emitted >= g.limit {
		return false, nil
	}
	values := make([]any, 0, g.meta.Size())
	if g.seqName != "" {
		values = append(values, g.emitted+1)
	}
	values = append(values, g.values...)
	if err := io.PutRow(ctx, core.NewRecord(g.meta, values...)); err != nil {
		return false, err
	}
	g.emitted++
	return true, nil
}
