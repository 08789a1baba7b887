package pipeline

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/profile"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		SourceInfo:       profile.SourceInfo{SourceID: "crossref"},
		ProcessInfo:      profile.ProcessInfo{ProcessID: "proc-1"},
		RecordIdentifier: profile.RecordIdentifierConfig{Path: "/DOI", Required: true},
		DeterministicIDs: profile.DeterministicIDConfig{
			RecordPrefix: "rec",
			ValuePrefix:  "val",
			ValueFormat:  "sha256",
		},
		NullValues: map[string]profile.NullValueConfig{
			"unknown_ror": {ValueType: "ror_id", Content: "missing"},
		},
		Entities: []profile.EntityConfig{
			{
				Name:                 "author",
				Path:                 "author",
				IsArray:              true,
				RelationshipToRecord: "authored_by",
				ValueExtraction: &profile.ValueExtraction{
					Type:            profile.ExtractCombineFields,
					Fields:          []string{"given", "family"},
					Separator:       " ",
					TargetValueType: "author_name",
				},
			},
		},
	}
}

func writeGzipFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	gz := gzip.NewWriter(file)
	for _, line := range lines {
		_, err := gz.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
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

func newTestPipeline(t *testing.T, outputDir string, p *profile.Profile) (*Pipeline, *identity.Maps) {
	t.Helper()
	nulls, err := identity.BuildNullRegistry([]*profile.Profile{p})
	require.NoError(t, err)

	ids := identity.NewMaps()
	pipe := New(Config{
		Threads:   2,
		BatchSize: 64,
		OutputDir: outputDir,
	}, ids, nulls, []*profile.Profile{p}, "2026-08-02T00:00:00Z", noop.NewTracerProvider().Tracer("test"), testLogger())
	return pipe, ids
}

func TestPipeline_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	p := testProfile()

	writeGzipFile(t, filepath.Join(inputDir, "part-1.jsonl.gz"),
		`{"DOI":"10.1/one","author":[{"given":"A","family":"B"}]}`,
		`{"DOI":"10.1/two","author":[{"given":"C","family":"D"}]}`,
	)
	// Same author appears again in a second file
	writeGzipFile(t, filepath.Join(inputDir, "part-2.jsonl.gz"),
		`{"DOI":"10.1/three","author":[{"given":"A","family":"B"}]}`,
	)

	pipe, ids := newTestPipeline(t, outputDir, p)
	files := []FileTask{
		{Path: filepath.Join(inputDir, "part-1.jsonl.gz"), Profile: p},
		{Path: filepath.Join(inputDir, "part-2.jsonl.gz"), Profile: p},
	}

	summary, err := pipe.Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalFiles)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Empty(t, summary.FailedFiles)
	assert.False(t, summary.WriterFailed)
	assert.Equal(t, 3, summary.UniqueRecords)
	assert.Equal(t, 2, summary.UniqueValues)
	assert.Equal(t, 3, ids.UniqueRecords())

	records := readTable(t, outputDir, "records")
	assert.Len(t, records, 4, "header plus one row per ingested record")

	// "A B" was extracted from two files but interned once
	values := readTable(t, outputDir, "values")
	require.Len(t, values, 4, "header, two authors, plus the finalized null")

	contents := map[string]bool{}
	for _, row := range values[1:] {
		contents[row[2]] = true
	}
	assert.True(t, contents["A B"])
	assert.True(t, contents["C D"])
	assert.True(t, contents["missing"], "the unused null value is appended during finalization")

	rvr := readTable(t, outputDir, "record_value_relationships")
	assert.Len(t, rvr, 4, "record-value links are never deduplicated")

	pvr := readTable(t, outputDir, "process_value_relationships")
	assert.Len(t, pvr, 3, "one per unique (process, value, type)")
}

func TestPipeline_FailedFileIsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	p := testProfile()

	writeGzipFile(t, filepath.Join(inputDir, "good.jsonl.gz"),
		`{"DOI":"10.1/one","author":[{"given":"A","family":"B"}]}`,
	)
	// Not gzip at all
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "bad.jsonl.gz"), []byte("plain text"), 0o644))

	pipe, _ := newTestPipeline(t, outputDir, p)
	files := []FileTask{
		{Path: filepath.Join(inputDir, "good.jsonl.gz"), Profile: p},
		{Path: filepath.Join(inputDir, "bad.jsonl.gz"), Profile: p},
		{Path: filepath.Join(inputDir, "absent.jsonl.gz"), Profile: p},
	}

	summary, err := pipe.Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, summary.FailedFiles, 2)

	records := readTable(t, outputDir, "records")
	assert.Len(t, records, 2, "the good file is still fully written")
}

func TestPipeline_EmptyFilesProduceNoBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	p := testProfile()

	writeGzipFile(t, filepath.Join(inputDir, "empty.jsonl.gz"))

	pipe, _ := newTestPipeline(t, outputDir, p)
	summary, err := pipe.Run(context.Background(), []FileTask{
		{Path: filepath.Join(inputDir, "empty.jsonl.gz"), Profile: p},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.RowCounts["records"])
	// Finalization still resolves declared nulls
	values := readTable(t, outputDir, "values")
	assert.Len(t, values, 2)
}

func TestPipeline_RerunReproducesIdentifiers(t *testing.T) {
	defer goleak.VerifyNone(t)

	inputDir := t.TempDir()
	p := testProfile()
	writeGzipFile(t, filepath.Join(inputDir, "part.jsonl.gz"),
		`{"DOI":"10.1/one","author":[{"given":"A","family":"B"}]}`,
	)

	runOnce := func(outputDir string) map[string]struct{} {
		pipe, _ := newTestPipeline(t, outputDir, p)
		_, err := pipe.Run(context.Background(), []FileTask{
			{Path: filepath.Join(inputDir, "part.jsonl.gz"), Profile: p},
		})
		require.NoError(t, err)

		seen := make(map[string]struct{})
		for _, row := range readTable(t, outputDir, "records")[1:] {
			seen[row[0]] = struct{}{}
		}
		for _, row := range readTable(t, outputDir, "values")[1:] {
			seen[row[0]] = struct{}{}
		}
		return seen
	}

	first := runOnce(t.TempDir())
	second := runOnce(t.TempDir())
	assert.Equal(t, first, second, "record and value ids are reproducible across runs")
}
