package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/profile"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		SourceInfo:  profile.SourceInfo{SourceID: "crossref", SourceName: "Crossref"},
		ProcessInfo: profile.ProcessInfo{ProcessID: "proc-1", ProcessName: "Affiliation extraction"},
		DeterministicIDs: profile.DeterministicIDConfig{
			RecordPrefix: "rec",
			ValuePrefix:  "val",
			ValueFormat:  "sha256",
		},
		NullValues: map[string]profile.NullValueConfig{
			"unknown_ror": {ValueType: "ror_id", Content: "missing"},
		},
	}
}

func newTestWriter(t *testing.T, createMetadata bool) (*CSVWriter, string, identity.NullRegistry) {
	t.Helper()
	dir := t.TempDir()
	p := testProfile()
	nulls, err := identity.BuildNullRegistry([]*profile.Profile{p})
	require.NoError(t, err)

	w, err := NewCSVWriter(dir, []*profile.Profile{p}, nulls, createMetadata, testLogger())
	require.NoError(t, err)
	return w, dir, nulls
}

func readTable(t *testing.T, dir, table string) [][]string {
	t.Helper()
	file, err := os.Open(filepath.Join(dir, table+".csv"))
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVWriter_CreatesTablesWithHeaders(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)
	require.NoError(t, w.Close())

	assert.Equal(t, 6, w.FilesCreated())
	rows := readTable(t, dir, "records")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"record_id", "doi"}, rows[0])

	rows = readTable(t, dir, "value_value_relationships")
	assert.Equal(t, []string{"value_value_id", "source_value_id", "target_value_id", "relationship_type", "ordinal", "process_id", "confidence_score", "timestamp"}, rows[0])

	_, err := os.Stat(filepath.Join(dir, "sources.csv"))
	assert.True(t, os.IsNotExist(err), "metadata files are only created on request")
}

func TestCSVWriter_TruncatesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	p := testProfile()
	nulls, err := identity.BuildNullRegistry([]*profile.Profile{p})
	require.NoError(t, err)

	stale := filepath.Join(dir, "records.csv")
	require.NoError(t, os.WriteFile(stale, []byte("stale,content\nrow,1\n"), 0o644))

	w, err := NewCSVWriter(dir, []*profile.Profile{p}, nulls, false, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "records")
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"record_id", "doi"}, rows[0])
}

func TestCSVWriter_ValueDedup(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)

	batch := &Batch{
		Values: []ValueRow{
			{ValueID: "v1", ValueType: "author_name", ValueContent: "A B"},
			{ValueID: "v1", ValueType: "author_name", ValueContent: "A B"},
			{ValueID: "v2", ValueType: "author_name", ValueContent: "C D"},
		},
	}
	require.NoError(t, w.WriteBatch(batch))

	// A second batch repeating v1 is also suppressed
	require.NoError(t, w.WriteBatch(&Batch{
		Values: []ValueRow{{ValueID: "v1", ValueType: "author_name", ValueContent: "A B"}},
	}))
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "values")
	require.Len(t, rows, 3, "header plus two distinct values")
	assert.Equal(t, "v1", rows[1][0])
	assert.Equal(t, "v2", rows[2][0])
}

func TestCSVWriter_RecordsNotDeduped(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)

	row := RecordRow{RecordID: "r1", DOI: "10.1/xyz"}
	require.NoError(t, w.WriteBatch(&Batch{Records: []RecordRow{row}}))
	require.NoError(t, w.WriteBatch(&Batch{Records: []RecordRow{row}}))
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "records")
	require.Len(t, rows, 3, "the same record in two files keeps both provenance rows")
}

func TestCSVWriter_ProcessValueRelDedup(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)

	mk := func(id string) ProcessValueRow {
		return ProcessValueRow{
			ProcessValueID:   id,
			ProcessID:        "proc-1",
			ValueID:          "v1",
			RelationshipType: "created",
			ConfidenceScore:  1.0,
			Timestamp:        "2026-08-02T00:00:00Z",
		}
	}
	require.NoError(t, w.WriteBatch(&Batch{ProcessValueRelationships: []ProcessValueRow{mk("a"), mk("b")}}))
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "process_value_relationships")
	require.Len(t, rows, 2, "unique on (process_id, value_id, relationship_type)")
	assert.Equal(t, "a", rows[1][0], "first-seen occurrence persists")
	assert.Equal(t, "1", rows[1][4])
}

func TestCSVWriter_ValueValueRelDedupDistinguishesOrdinals(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)

	mk := func(ordinal int, hasOrdinal bool) ValueValueRow {
		return ValueValueRow{
			ValueValueID:     "id",
			SourceValueID:    "s",
			TargetValueID:    "t",
			RelationshipType: "rel",
			Ordinal:          ordinal,
			HasOrdinal:       hasOrdinal,
			ProcessID:        "proc-1",
			ConfidenceScore:  1.0,
		}
	}
	require.NoError(t, w.WriteBatch(&Batch{ValueValueRelationships: []ValueValueRow{
		mk(1, true),
		mk(1, true),  // duplicate
		mk(2, true),  // distinct ordinal
		mk(0, false), // null ordinal is its own key
		mk(0, false), // duplicate of the null-ordinal row
	}}))
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "value_value_relationships")
	require.Len(t, rows, 4)
	assert.Equal(t, "1", rows[1][4])
	assert.Equal(t, "2", rows[2][4])
	assert.Equal(t, "", rows[3][4], "absent ordinal serializes as an empty cell")
}

func TestCSVWriter_FinalizeAppendsUnusedNulls(t *testing.T) {
	w, dir, nulls := newTestWriter(t, false)

	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "values")
	require.Len(t, rows, 2)
	nv := nulls["unknown_ror"]
	assert.Equal(t, []string{nv.ValueID, "ror_id", "missing"}, rows[1])
}

func TestCSVWriter_FinalizeSkipsWrittenNulls(t *testing.T) {
	w, dir, nulls := newTestWriter(t, false)
	nv := nulls["unknown_ror"]

	require.NoError(t, w.WriteBatch(&Batch{
		Values: []ValueRow{{ValueID: nv.ValueID, ValueType: nv.ValueType, ValueContent: nv.Content}},
	}))
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "values")
	require.Len(t, rows, 2, "a null emitted during extraction is not appended again")
}

func TestCSVWriter_MetadataFiles(t *testing.T) {
	w, dir, _ := newTestWriter(t, true)
	require.NoError(t, w.Close())

	assert.Equal(t, 9, w.FilesCreated())

	rows := readTable(t, dir, "sources")
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"crossref", "Crossref", ""}, rows[1])

	rows = readTable(t, dir, "processes")
	require.Len(t, rows, 2)
	assert.Equal(t, "proc-1", rows[1][0])

	rows = readTable(t, dir, "source_process_relationships")
	require.Len(t, rows, 2)
	assert.Equal(t, "crossref", rows[1][1])
	assert.Equal(t, "proc-1", rows[1][2])
	assert.Equal(t, "defined_by", rows[1][3])
	assert.NotEmpty(t, rows[1][4], "start_date carries the run date")
	assert.Empty(t, rows[1][5])
}

func TestCSVWriter_QuotesFieldsWithCommas(t *testing.T) {
	w, dir, _ := newTestWriter(t, false)

	require.NoError(t, w.WriteBatch(&Batch{
		Values: []ValueRow{{ValueID: "v1", ValueType: "affiliation_name", ValueContent: `Dept. of "X", Univ. of Y`}},
	}))
	require.NoError(t, w.Close())

	rows := readTable(t, dir, "values")
	require.Len(t, rows, 2)
	assert.Equal(t, `Dept. of "X", Univ. of Y`, rows[1][2], "delimiters and quotes round-trip through standard CSV quoting")
}

func TestCSVWriter_RowCounts(t *testing.T) {
	w, _, _ := newTestWriter(t, false)

	require.NoError(t, w.WriteBatch(&Batch{
		Records: []RecordRow{{RecordID: "r1", DOI: "10.1/x"}},
		Values:  []ValueRow{{ValueID: "v1", ValueType: "t", ValueContent: "c"}},
	}))
	require.NoError(t, w.Close())

	counts := w.RowsWritten()
	assert.Equal(t, 1, counts["records"])
	assert.Equal(t, 1, counts["values"])
	assert.Equal(t, 0, counts["value_value_relationships"])
}
