package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/rowflow/core"
)

// readRow wraps GetRow for the pass-through stages below: end of input is
// not an error, it just ends the stage.
func readRow(ctx context.Context, io core.StepIO) (core.Record, bool, error) {
	rec, err := io.GetRow(ctx)
	if errors.Is(err, core.ErrEndOfInput) {
		return core.Record{}, false, nil
	}
	if err != nil {
		return core.Record{}, false, err
	}
	return rec, true, nil
}

// Dummy passes every row through unchanged.
type Dummy struct{}

func (Dummy) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	rec, ok, err := readRow(ctx, io)
	if !ok {
		return false, err
	}
	return true, io.PutRow(ctx, rec)
}

// Filter passes rows whose field equals a configured value. Other rows go
// down the error link, or are counted as rejected without one.
//
// Config: field, equals.
type Filter struct {
	field  string
	equals string
}

func (f *Filter) Init(_ context.Context, io core.StepIO) error {
	cfg := io.Config()
	f.field = configString(cfg, "field", "")
	if f.field == "" {
		return &ConfigError{Key: "field", Err: fmt.Errorf("%w: required", ErrInvalidValue)}
	}
	f.equals = configString(cfg, "equals", "")
	return nil
}

func (f *Filter) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	rec, ok, err := readRow(ctx, io)
	if !ok {
		return false, err
	}
	v, found := rec.Get(f.field)
	if found && fmt.Sprint(v) == f.equals {
		return true, io.PutRow(ctx, rec)
	}
	info := core.ErrorInfo{
		Count:       1,
		Description: fmt.Sprintf("%s is %v, want %s", f.field, v, f.equals),
		Fields:      f.field,
		Code:        "FILTER001",
	}
	if !found {
		info.Description = fmt.Sprintf("field %s not in row", f.field)
	}
	return true, io.PutError(ctx, rec, info)
}

// Abort forwards rows until it has seen more than a threshold, then fails
// the instance, which stops the whole run.
//
// Config: after (default 0: the first row aborts).
type Abort struct {
	after int
	seen  int
}

func (a *Abort) Init(_ context.Context, io core.StepIO) error {
	after, err := configInt(io.Config(), "after", 0)
	if err != nil {
		return err
	}
	a.after, a.seen = after, 0
	return nil
}

func (a *Abort) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	rec, ok, err := readRow(ctx, io)
	if !ok {
		return false, err
	}
	a.seen++
	if a.seen > a.after {
		return false, fmt.Errorf("%w: %s received %d rows (limit %d)", ErrAborted, io.StageName(), a.seen, a.after)
	}
	return true, io.PutRow(ctx, rec)
}

// Log writes each row to the instance logger and passes it on.
//
// Config: level (debug, info, warn, error; default info).
type Log struct {
	level slog.Level
}

func (l *Log) Init(_ context.Context, io core.StepIO) error {
	lvl := configString(io.Config(), "level", "info")
	if err := l.level.UnmarshalText([]byte(lvl)); err != nil {
		return &ConfigError{Key: "level", Err: err}
	}
	return nil
}

func (l *Log) RunOnce(ctx context.Context, io core.StepIO) (bool, error) {
	rec, ok, err := readRow(ctx, io)
	if !ok {
		return false, err
	}
	if logger := io.Logger(); logger.Enabled(ctx, l.level) {
		attrs := make([]any, 0, len(rec.Values))
		for k, name := range rec.Meta.Names() {
			if k < len(rec.Values) {
				attrs = append(attrs, slog.Any(name, rec.Values[k]))
			}
		}
		logger.Log(ctx, l.level, "row", slog.Group("row", attrs...))
	}
	return true, io.PutRow(ctx, rec)
}

// Mapping is handled internally by the engine: stages of this kind get no
// queues and finish immediately.
type Mapping struct{}

func (Mapping) RunOnce(context.Context, core.StepIO) (bool, error) {
	return false, nil
}
