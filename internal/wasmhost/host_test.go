package wasmhost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/diffbelt/internal/transform"
)

// TestExportNamesCoversEveryEvalKind guards against a newly added
// transform.EvalKind silently lacking a guest export binding, which
// would otherwise only surface as a runtime "no export registered"
// error deep inside a transform run.
func TestExportNamesCoversEveryEvalKind(t *testing.T) {
	names := exportNames()

	allKinds := []transform.EvalKind{
		transform.EvalMapFilter,
		transform.EvalAggregateMap,
		transform.EvalAggregateTargetInfo,
		transform.EvalAggregateInitialAccumulator,
		transform.EvalAggregateReduce,
		transform.EvalAggregateMerge,
		transform.EvalAggregateApply,
	}

	for _, k := range allKinds {
		name, ok := names[k]
		require.Truef(t, ok, "eval kind %s has no guest export binding", k)
		require.NotEmpty(t, name)
	}

	require.Len(t, names, len(allKinds))
}

func TestExportNamesAreUnique(t *testing.T) {
	seen := map[string]bool{}

	for _, name := range exportNames() {
		require.Falsef(t, seen[name], "duplicate guest export name %q", name)
		seen[name] = true
	}
}
