package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/metrics"
	"affiliation-extract/internal/profile"
	"affiliation-extract/pkg/errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var dataTableHeaders = map[string][]string{
	"records":                      {"record_id", "doi"},
	"values":                       {"value_id", "value_type", "value_content"},
	"process_record_relationships": {"process_record_id", "process_id", "record_id", "relationship_type", "timestamp"},
	"process_value_relationships":  {"process_value_id", "process_id", "value_id", "relationship_type", "confidence_score", "timestamp"},
	"record_value_relationships":   {"record_value_id", "record_id", "value_id", "relationship_type", "ordinal", "process_id", "timestamp"},
	"value_value_relationships":    {"value_value_id", "source_value_id", "target_value_id", "relationship_type", "ordinal", "process_id", "confidence_score", "timestamp"},
}

var metadataTableHeaders = map[string][]string{
	"sources":                      {"source_id", "source_name", "source_description"},
	"processes":                    {"process_id", "process_name", "process_description"},
	"source_process_relationships": {"source_process_id", "source_id", "process_id", "relationship_type", "start_date", "end_date"},
}

type processValueKey struct {
	processID        string
	valueID          string
	relationshipType string
}

type valueValueKey struct {
	sourceValueID    string
	targetValueID    string
	relationshipType string
	ordinal          int
	hasOrdinal       bool
}

// CSVWriter owns the output tables and the run-wide deduplication sets. It is
// confined to the single writer goroutine, so the sets need no locking.
type CSVWriter struct {
	outputDir    string
	logger       *logrus.Logger
	files        map[string]*os.File
	writers      map[string]*csv.Writer
	rowCounts    map[string]int
	filesCreated int

	writtenValueIDs         map[string]struct{}
	writtenProcessValueRels map[processValueKey]struct{}
	writtenValueValueRels   map[valueValueKey]struct{}

	profiles []*profile.Profile
	nulls    identity.NullRegistry
}

// NewCSVWriter creates the output directory, truncates and opens every data
// table with its header row and, when requested, emits the metadata tables
// from the distinct profiles of the run.
func NewCSVWriter(outputDir string, profiles []*profile.Profile, nulls identity.NullRegistry, createMetadataFiles bool, logger *logrus.Logger) (*CSVWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.WriterError("init", fmt.Sprintf("failed to create output directory %s", outputDir)).Wrap(err)
	}

	w := &CSVWriter{
		outputDir:               outputDir,
		logger:                  logger,
		files:                   make(map[string]*os.File),
		writers:                 make(map[string]*csv.Writer),
		rowCounts:               make(map[string]int),
		writtenValueIDs:         make(map[string]struct{}),
		writtenProcessValueRels: make(map[processValueKey]struct{}),
		writtenValueValueRels:   make(map[valueValueKey]struct{}),
		profiles:                profiles,
		nulls:                   nulls,
	}

	for _, table := range DataTableNames {
		if err := w.openTable(table, dataTableHeaders[table]); err != nil {
			w.closeAll()
			return nil, err
		}
	}

	if createMetadataFiles {
		if err := w.writeMetadataTables(); err != nil {
			w.closeAll()
			return nil, err
		}
	} else {
		logger.Debug("Skipping creation of metadata files")
	}

	return w, nil
}

func (w *CSVWriter) openTable(table string, header []string) error {
	path := filepath.Join(w.outputDir, table+".csv")
	file, err := os.Create(path)
	if err != nil {
		return errors.WriterError("init", fmt.Sprintf("failed to create output file %s", path)).Wrap(err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return errors.WriterError("init", fmt.Sprintf("failed to write header for table %s", table)).Wrap(err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return errors.WriterError("init", fmt.Sprintf("failed to flush header for table %s", table)).Wrap(err)
	}

	w.files[table] = file
	w.writers[table] = writer
	w.rowCounts[table] = 0
	w.filesCreated++
	return nil
}

// writeMetadataTables emits sources, processes and their relationships from
// the distinct profiles used in the run, then flushes those tables; metadata
// tables receive no further rows during the run.
func (w *CSVWriter) writeMetadataTables() error {
	w.logger.Info("Creating metadata files from the profiles used in the run")

	for _, table := range MetadataTableNames {
		if err := w.openTable(table, metadataTableHeaders[table]); err != nil {
			return err
		}
	}

	currentDate := time.Now().UTC().Format("2006-01-02")
	seenSources := make(map[string]struct{})
	seenProcesses := make(map[string]struct{})

	for _, p := range w.profiles {
		sourceID := p.SourceInfo.SourceID
		processID := p.ProcessInfo.ProcessID

		if _, ok := seenSources[sourceID]; !ok {
			seenSources[sourceID] = struct{}{}
			if err := w.writeRow("sources", []string{sourceID, p.SourceInfo.SourceName, p.SourceInfo.SourceDescription}); err != nil {
				return err
			}
		}
		if _, ok := seenProcesses[processID]; !ok {
			seenProcesses[processID] = struct{}{}
			if err := w.writeRow("processes", []string{processID, p.ProcessInfo.ProcessName, p.ProcessInfo.ProcessDescription}); err != nil {
				return err
			}
		}
		row := []string{uuid.NewString(), sourceID, processID, "defined_by", currentDate, ""}
		if err := w.writeRow("source_process_relationships", row); err != nil {
			return err
		}
	}

	for _, table := range MetadataTableNames {
		w.writers[table].Flush()
		if err := w.writers[table].Error(); err != nil {
			return errors.WriterError("metadata", fmt.Sprintf("failed to flush table %s", table)).Wrap(err)
		}
	}
	return nil
}

func (w *CSVWriter) writeRow(table string, row []string) error {
	writer, ok := w.writers[table]
	if !ok {
		return errors.WriterError("write", fmt.Sprintf("writer for table %q not found", table))
	}
	if err := writer.Write(row); err != nil {
		return errors.WriterError("write", fmt.Sprintf("failed to write row to table %s", table)).Wrap(err)
	}
	w.rowCounts[table]++
	metrics.RowsWrittenTotal.WithLabelValues(table).Inc()
	return nil
}

func formatConfidence(score float32) string {
	return strconv.FormatFloat(float64(score), 'f', -1, 32)
}

// WriteBatch writes one file's rows. Records, process-record and record-value
// rows are written unconditionally to preserve provenance; values,
// process-value and value-value rows are suppressed when their dedup key was
// already written this run.
func (w *CSVWriter) WriteBatch(batch *Batch) error {
	for _, row := range batch.Records {
		if err := w.writeRow("records", []string{row.RecordID, row.DOI}); err != nil {
			return err
		}
	}

	for _, row := range batch.ProcessRecordRelationships {
		cells := []string{row.ProcessRecordID, row.ProcessID, row.RecordID, row.RelationshipType, row.Timestamp}
		if err := w.writeRow("process_record_relationships", cells); err != nil {
			return err
		}
	}

	for _, row := range batch.ProcessValueRelationships {
		key := processValueKey{row.ProcessID, row.ValueID, row.RelationshipType}
		if _, dup := w.writtenProcessValueRels[key]; dup {
			metrics.RowsDedupedTotal.WithLabelValues("process_value_relationships").Inc()
			continue
		}
		w.writtenProcessValueRels[key] = struct{}{}
		cells := []string{row.ProcessValueID, row.ProcessID, row.ValueID, row.RelationshipType, formatConfidence(row.ConfidenceScore), row.Timestamp}
		if err := w.writeRow("process_value_relationships", cells); err != nil {
			return err
		}
	}

	for _, row := range batch.RecordValueRelationships {
		cells := []string{row.RecordValueID, row.RecordID, row.ValueID, row.RelationshipType, strconv.Itoa(row.Ordinal), row.ProcessID, row.Timestamp}
		if err := w.writeRow("record_value_relationships", cells); err != nil {
			return err
		}
	}

	for _, row := range batch.ValueValueRelationships {
		key := valueValueKey{row.SourceValueID, row.TargetValueID, row.RelationshipType, row.Ordinal, row.HasOrdinal}
		if _, dup := w.writtenValueValueRels[key]; dup {
			metrics.RowsDedupedTotal.WithLabelValues("value_value_relationships").Inc()
			continue
		}
		w.writtenValueValueRels[key] = struct{}{}
		ordinal := ""
		if row.HasOrdinal {
			ordinal = strconv.Itoa(row.Ordinal)
		}
		cells := []string{row.ValueValueID, row.SourceValueID, row.TargetValueID, row.RelationshipType, ordinal, row.ProcessID, formatConfidence(row.ConfidenceScore), row.Timestamp}
		if err := w.writeRow("value_value_relationships", cells); err != nil {
			return err
		}
	}

	for _, row := range batch.Values {
		if _, dup := w.writtenValueIDs[row.ValueID]; dup {
			metrics.RowsDedupedTotal.WithLabelValues("values").Inc()
			continue
		}
		w.writtenValueIDs[row.ValueID] = struct{}{}
		if err := w.writeRow("values", []string{row.ValueID, row.ValueType, row.ValueContent}); err != nil {
			return err
		}
	}

	return nil
}

// Flush flushes every open table, aggregating per-table errors
func (w *CSVWriter) Flush() error {
	w.logger.WithField("tables", len(w.writers)).Info("Flushing output CSV files")

	var flushErrors []string
	for table, writer := range w.writers {
		writer.Flush()
		if err := writer.Error(); err != nil {
			flushErrors = append(flushErrors, fmt.Sprintf("%s.csv: %v", table, err))
		}
	}
	if len(flushErrors) > 0 {
		return errors.WriterError("flush", "errors during final flush: "+strings.Join(flushErrors, "; "))
	}
	return nil
}

// Finalize appends a values row for every precomputed null identifier that
// extraction never emitted, so downstream null references always resolve.
func (w *CSVWriter) Finalize() error {
	w.logger.Info("Finalizing output: ensuring all defined null value entries exist")

	nullsAdded := 0
	for key, nv := range w.nulls {
		if _, written := w.writtenValueIDs[nv.ValueID]; written {
			continue
		}
		w.writtenValueIDs[nv.ValueID] = struct{}{}
		if err := w.writeRow("values", []string{nv.ValueID, nv.ValueType, nv.Content}); err != nil {
			return errors.WriterError("finalize", fmt.Sprintf("failed to append null value row for key %q", key)).Wrap(err)
		}
		nullsAdded++
	}

	w.logger.WithField("nulls_added", nullsAdded).Info("Null value entry check complete")
	return w.Flush()
}

// Close flushes and closes every open file
func (w *CSVWriter) Close() error {
	flushErr := w.Flush()
	w.closeAll()
	return flushErr
}

func (w *CSVWriter) closeAll() {
	for _, file := range w.files {
		file.Close()
	}
}

// RowsWritten returns the per-table row counts accumulated so far
func (w *CSVWriter) RowsWritten() map[string]int {
	counts := make(map[string]int, len(w.rowCounts))
	for table, count := range w.rowCounts {
		counts[table] = count
	}
	return counts
}

// FilesCreated returns the number of output files opened
func (w *CSVWriter) FilesCreated() int {
	return w.filesCreated
}
