// Package output defines the normalized row model, the per-file batch and
// the deduplicating CSV writer that owns the output tables.
package output

// Table names, in header-writing order
var DataTableNames = []string{
	"records",
	"values",
	"process_record_relationships",
	"process_value_relationships",
	"record_value_relationships",
	"value_value_relationships",
}

// Metadata tables, emitted only on request
var MetadataTableNames = []string{
	"sources",
	"processes",
	"source_process_relationships",
}

// RecordRow is one row of the records table
type RecordRow struct {
	RecordID string
	DOI      string
}

// ValueRow is one row of the values table
type ValueRow struct {
	ValueID      string
	ValueType    string
	ValueContent string
}

// ProcessRecordRow links a process to an ingested record
type ProcessRecordRow struct {
	ProcessRecordID  string
	ProcessID        string
	RecordID         string
	RelationshipType string
	Timestamp        string
}

// ProcessValueRow links a process to a created value
type ProcessValueRow struct {
	ProcessValueID   string
	ProcessID        string
	ValueID          string
	RelationshipType string
	ConfidenceScore  float32
	Timestamp        string
}

// RecordValueRow links a record to a top-level value with a 1-based ordinal
type RecordValueRow struct {
	RecordValueID    string
	RecordID         string
	ValueID          string
	RelationshipType string
	Ordinal          int
	ProcessID        string
	Timestamp        string
}

// ValueValueRow links a parent value to a child or related value. Ordinal is
// present for array-derived children and absent for lookup-style relations.
type ValueValueRow struct {
	ValueValueID     string
	SourceValueID    string
	TargetValueID    string
	RelationshipType string
	Ordinal          int
	HasOrdinal       bool
	ProcessID        string
	ConfidenceScore  float32
	Timestamp        string
}

// Batch aggregates the rows extracted from a single input file. It carries no
// cross-table constraints; deduplication happens at the writer.
type Batch struct {
	Records                    []RecordRow
	Values                     []ValueRow
	ProcessRecordRelationships []ProcessRecordRow
	ProcessValueRelationships  []ProcessValueRow
	RecordValueRelationships   []RecordValueRow
	ValueValueRelationships    []ValueValueRow
}

// IsEmpty reports whether the batch holds no rows at all
func (b *Batch) IsEmpty() bool {
	return len(b.Records) == 0 &&
		len(b.Values) == 0 &&
		len(b.ProcessRecordRelationships) == 0 &&
		len(b.ProcessValueRelationships) == 0 &&
		len(b.RecordValueRelationships) == 0 &&
		len(b.ValueValueRelationships) == 0
}

// RowCount returns the total number of rows across all tables
func (b *Batch) RowCount() int {
	return len(b.Records) +
		len(b.Values) +
		len(b.ProcessRecordRelationships) +
		len(b.ProcessValueRelationships) +
		len(b.RecordValueRelationships) +
		len(b.ValueValueRelationships)
}
