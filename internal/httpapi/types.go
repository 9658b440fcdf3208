package httpapi

import "github.com/calvinalkan/diffbelt/internal/collection"

type collectionSummaryWire struct {
	Name     string `json:"name"`
	IsManual bool   `json:"is_manual"`
}

type listCollectionsResponse struct {
	Items []collectionSummaryWire `json:"items"`
}

type collectionInfoResponse struct {
	IsManual         bool          `json:"is_manual"`
	GenerationID     ByteString    `json:"generation_id"`
	NextGenerationID OptionalValue `json:"next_generation_id"`
}

type createCollectionRequest struct {
	IsManual bool `json:"is_manual,omitempty"`
}

type fromReaderWire struct {
	ReaderName     string `json:"reader_name"`
	CollectionName string `json:"collection_name,omitempty"`
}

type diffRequestWire struct {
	FromGenerationID       ByteString      `json:"from_generation_id,omitempty"`
	ToGenerationID         ByteString      `json:"to_generation_id,omitempty"`
	FromReader             *fromReaderWire `json:"from_reader,omitempty"`
	LowerKey               ByteString      `json:"lower_key,omitempty"`
	UpperKey               ByteString      `json:"upper_key,omitempty"`
	OmitIntermediateValues bool            `json:"omit_intermediate_values,omitempty"`
	PhantomID              ByteString      `json:"phantom_id,omitempty"`
	Limit                  int             `json:"limit,omitempty"`
}

type keyValueDiffWire struct {
	Key                ByteString      `json:"key"`
	FromValue          OptionalValue   `json:"from_value"`
	ToValue            OptionalValue   `json:"to_value"`
	IntermediateValues []OptionalValue `json:"intermediate_values,omitempty"`
}

type diffResponseWire struct {
	FromGenerationID ByteString         `json:"from_generation_id"`
	ToGenerationID   ByteString         `json:"to_generation_id"`
	Items            []keyValueDiffWire `json:"items"`
	CursorID         string             `json:"cursor_id,omitempty"`
}

type startGenerationRequest struct {
	GenerationID  ByteString `json:"generation_id,omitempty"`
	AbortOutdated bool       `json:"abort_outdated,omitempty"`
}

type updateReaderWire struct {
	ReaderName   string     `json:"reader_name"`
	GenerationID ByteString `json:"generation_id"`
}

type commitGenerationRequest struct {
	GenerationID  ByteString         `json:"generation_id,omitempty"`
	UpdateReaders []updateReaderWire `json:"update_readers,omitempty"`
}

type keyValueUpdateWire struct {
	Key          ByteString    `json:"key"`
	Value        OptionalValue `json:"value"`
	IfNotPresent bool          `json:"if_not_present,omitempty"`
}

type putManyRequest struct {
	Items        []keyValueUpdateWire `json:"items"`
	GenerationID ByteString           `json:"generation_id,omitempty"`
	PhantomID    ByteString           `json:"phantom_id,omitempty"`
}

type putManyResponse struct {
	GenerationID ByteString `json:"generation_id"`
}

type readerRecordWire struct {
	Name             string     `json:"name"`
	TargetCollection string     `json:"target_collection,omitempty"`
	GenerationID     ByteString `json:"generation_id"`
}

type listReadersResponse struct {
	Items []readerRecordWire `json:"items"`
}

func readerRecordToWire(rec collection.ReaderRecord) readerRecordWire {
	return readerRecordWire{Name: rec.Name, TargetCollection: rec.TargetCollection, GenerationID: rec.Generation}
}

type createReaderRequest struct {
	TargetCollection string     `json:"target_collection,omitempty"`
	GenerationID     ByteString `json:"generation_id,omitempty"`
}

type updateReaderRequest struct {
	GenerationID ByteString `json:"generation_id"`
}
