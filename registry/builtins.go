package registry

import (
	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
	"github.com/petal-labs/rowflow/steps"
)

func factoryOf(newFn func() core.Runnable) Factory {
	return func(*graph.Stage) (core.Runnable, error) {
		return newFn(), nil
	}
}

// registerBuiltins registers all built-in RowFlow stage kinds.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(StageTypeDef{
		Type:        "generate",
		Category:    "input",
		DisplayName: "Generate Rows",
		Description: "Emit a fixed number of rows with constant field values",
		Factory:     factoryOf(func() core.Runnable { return steps.NewGenerate() }),
	})

	r.Register(StageTypeDef{
		Type:        "dummy",
		Category:    "flow",
		DisplayName: "Dummy",
		Description: "Pass rows through unchanged",
		Factory:     factoryOf(func() core.Runnable { return steps.Dummy{} }),
	})

	r.Register(StageTypeDef{
		Type:        "filter",
		Category:    "flow",
		DisplayName: "Filter Rows",
		Description: "Keep rows whose field equals a value; route the rest to the error target",
		Factory:     factoryOf(func() core.Runnable { return &steps.Filter{} }),
	})

	r.Register(StageTypeDef{
		Type:        "abort",
		Category:    "flow",
		DisplayName: "Abort",
		Description: "Fail the run once more than a number of rows arrived",
		Factory:     factoryOf(func() core.Runnable { return &steps.Abort{} }),
	})

	r.Register(StageTypeDef{
		Type:        "log",
		Category:    "output",
		DisplayName: "Write to Log",
		Description: "Log every row and pass it on",
		Factory:     factoryOf(func() core.Runnable { return &steps.Log{} }),
	})

	r.Register(StageTypeDef{
		Type:        "collect",
		Category:    "output",
		DisplayName: "Collect",
		Description: "Count rows, keep a sample in memory and optionally write them to CSV",
		Factory:     factoryOf(func() core.Runnable { return &steps.Collect{} }),
	})

	r.Register(StageTypeDef{
		Type:        "mapping",
		Category:    "flow",
		DisplayName: "Mapping",
		Description: "Placeholder handled by the engine; gets no queues",
		PassThrough: true,
		Factory:     factoryOf(func() core.Runnable { return steps.Mapping{} }),
	})
}
