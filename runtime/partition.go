package runtime

import (
	"fmt"
	"hash/fnv"

	"github.com/petal-labs/rowflow/core"
	"github.com/petal-labs/rowflow/graph"
)

// partitionIndex maps a record to one of n target copies using the mod
// method: the partitioning field selects a partition id, and partitions
// are spread over copies.
func partitionIndex(rec core.Record, p *graph.Partitioning, n int) (int, error) {
	if p == nil || p.Field == "" {
		return 0, fmt.Errorf("mod partitioning without a field")
	}
	v, ok := rec.Get(p.Field)
	if !ok {
		return 0, fmt.Errorf("partition field %q not in record", p.Field)
	}
	partitions := len(p.PartitionIDs)
	if partitions == 0 {
		partitions = n
	}
	return int(partitionHash(v)%uint64(partitions)) % n, nil
}

func partitionHash(v any) uint64 {
	switch x := v.(type) {
	case int:
		return absInt(int64(x))
	case int32:
		return absInt(int64(x))
	case int64:
		return absInt(x)
	case uint:
		return uint64(x)
	case uint32:
		return uint64(x)
	case uint64:
		return x
	}
	h := fnv.New64a()
	fmt.Fprint(h, v)
	return h.Sum64()
}

func absInt(x int64) uint64 {
	if x < 0 {
		return uint64(-x)
	}
	return uint64(x)
}
