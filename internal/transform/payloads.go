package transform

// Wire payload shapes exchanged with the store (via DiffbeltCall) and
// the function runtime (via FunctionEval). These are the Go-level
// counterparts of the JSON bodies described informally in §4.7; kept
// here rather than inline in driver.go so the aggregate and map/filter
// pipelines share one vocabulary.

// DiffPageRequestQuery is rendered into a DiffbeltCall's Query map.
type DiffPageRequestQuery struct {
	FromGenerationID   string
	ToGenerationLoose  string
	Cursor             string
	OmitIntermediate   bool
}

// DiffPageResponse is the parsed body of a diff DiffbeltCall's result.
type DiffPageResponse struct {
	FromGenerationID string        `json:"from_generation_id"`
	ToGenerationID   string        `json:"to_generation_id"`
	Items            []DiffItem    `json:"items"`
	Cursor           string        `json:"cursor,omitempty"`
}

// DiffItem is one user key's change, as seen over the wire.
type DiffItem struct {
	Key          []byte   `json:"key"`
	FromValue    []byte   `json:"from_value"`
	ToValue      []byte   `json:"to_value"`
	Intermediate [][]byte `json:"intermediate,omitempty"`
}

// MapFilterEvalInput is one element of a MapFilter eval's payload.
type MapFilterEvalInput struct {
	SourceKey      []byte `json:"source_key"`
	SourceOldValue []byte `json:"source_old_value"`
	SourceNewValue []byte `json:"source_new_value"`
}

// MapFilterEvalOutput is one update a MapFilter eval produced.
type MapFilterEvalOutput struct {
	TargetKey   []byte `json:"target_key"`
	TargetValue []byte `json:"target_value"` // nil means delete
	IsDelete    bool   `json:"is_delete"`
}

// PutItem mirrors collection.Item over the wire for a put_many call.
type PutItem struct {
	Key          []byte `json:"key"`
	Value        []byte `json:"value"`
	IsDelete     bool   `json:"is_delete"`
	IfNotPresent bool   `json:"if_not_present,omitempty"`
}

// PutManyBody is the body of a put_many DiffbeltCall.
type PutManyBody struct {
	Items        []PutItem `json:"items"`
	GenerationID string    `json:"generation_id,omitempty"`
}

// CommitGenerationBody is the body of a commit_generation DiffbeltCall,
// which also advances the source reader in the same call per §4.7.1.
type CommitGenerationBody struct {
	GenerationID  string         `json:"generation_id,omitempty"`
	ReaderUpdates []ReaderUpdate `json:"reader_updates,omitempty"`
}

// ReaderUpdate advances one reader as part of a commit.
type ReaderUpdate struct {
	Collection   string `json:"collection"`
	Name         string `json:"name"`
	GenerationID string `json:"generation_id"`
}

// AggregateMapEvalInput mirrors MapFilterEvalInput for the aggregate
// pipeline's per-key projection step.
type AggregateMapEvalInput struct {
	SourceKey      []byte `json:"source_key"`
	SourceOldValue []byte `json:"source_old_value"`
	SourceNewValue []byte `json:"source_new_value"`
}

// AggregateMapEvalOutput is the projected (target_key, mapped_value)
// delta produced by AggregateMap.
type AggregateMapEvalOutput struct {
	TargetKey   []byte `json:"target_key"`
	MappedValue []byte `json:"mapped_value"`
}

// AggregateTargetInfoInput requests the derived target_info blob for a
// target key's current record.
type AggregateTargetInfoInput struct {
	TargetKey   []byte `json:"target_key"`
	TargetValue []byte `json:"target_value"` // nil if the target key doesn't exist yet
}

// AggregateReduceInput folds a chunk's starting accumulator with the
// set of mapped values that went into it; AggregateMerge folds two
// chunks' accumulators together.
type AggregateReduceInput struct {
	Accumulator  []byte   `json:"accumulator"`
	MappedValues [][]byte `json:"mapped_values"`
	TargetInfo   []byte   `json:"target_info"`
}

type AggregateReduceOutput struct {
	Accumulator []byte `json:"accumulator"`
}

type AggregateMergeOutput struct {
	Accumulator []byte `json:"accumulator"`
}

type AggregateTargetInfoOutput struct {
	TargetInfo []byte `json:"target_info"`
}

type AggregateInitialAccumulatorOutput struct {
	Accumulator []byte `json:"accumulator"`
}

type AggregateMergeInput struct {
	Left       []byte `json:"left"`
	Right      []byte `json:"right"`
	TargetInfo []byte `json:"target_info"`
}

// AggregateApplyInput converts a final accumulator into the new target
// value (nil means delete).
type AggregateApplyInput struct {
	Accumulator []byte `json:"accumulator"`
	TargetInfo  []byte `json:"target_info"`
}

type AggregateApplyOutput struct {
	TargetValue []byte `json:"target_value"`
	IsDelete    bool   `json:"is_delete"`
}
