// Package extract implements the profile-driven traversal that turns one
// gzip-compressed JSONL file into a batch of normalized rows.
package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"affiliation-extract/internal/identity"
	"affiliation-extract/internal/metrics"
	"affiliation-extract/internal/output"
	"affiliation-extract/internal/profile"
	"affiliation-extract/pkg/errors"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// Relationship types stamped on provenance rows
const (
	relationshipIngested = "ingested"
	relationshipCreated  = "created"
)

const defaultConfidence float32 = 1.0

// Extractor turns records of one (profile, filters) binding into normalized
// rows. Safe to share across files of the same task; the identity maps it
// holds are the run-wide concurrent ones.
type Extractor struct {
	profile   *profile.Profile
	ids       *identity.Maps
	nulls     identity.NullRegistry
	timestamp string
	filter    *RecordFilter
	batchHint int
	logger    *logrus.Logger
}

type fileStats struct {
	lines       int
	records     int
	missingID   int
	filteredOut int
	parseErrors int
}

// NewExtractor creates an extractor for one profile and its resolved filters
func NewExtractor(p *profile.Profile, ids *identity.Maps, nulls identity.NullRegistry, timestamp string, activeFilters map[string]string, batchHint int, logger *logrus.Logger) *Extractor {
	return &Extractor{
		profile:   p,
		ids:       ids,
		nulls:     nulls,
		timestamp: timestamp,
		filter:    NewRecordFilter(p, activeFilters, logger),
		batchHint: batchHint,
		logger:    logger,
	}
}

func newRelationshipID() string {
	return uuid.NewString()
}

// ProcessFile reads one .jsonl.gz file and returns the batch of rows it
// yields. Line-level JSON errors are logged and skipped; only a failure to
// open the gzip stream surfaces as an error. A read or decompression error
// later in the file is logged and ends reading, keeping the rows extracted
// so far.
func (e *Extractor) ProcessFile(ctx context.Context, r io.Reader, path string) (*output.Batch, error) {
	started := time.Now()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.FileError("open", fmt.Sprintf("failed to open gzip stream for %s", path)).Wrap(err)
	}
	defer gz.Close()

	batch := &output.Batch{
		Values: make([]output.ValueRow, 0, e.batchHint),
	}
	stats := fileStats{}

	reader := bufio.NewReader(gz)
	lineNum := 0
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			lineNum++
			stats.lines++
			e.processLine(line, lineNum, path, batch, &stats)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.logger.WithFields(logrus.Fields{
				"file": path,
				"line": lineNum + 1,
			}).WithError(readErr).Warn("Error reading line")
			break
		}
	}

	metrics.FileProcessingDuration.Observe(time.Since(started).Seconds())
	e.logger.WithFields(logrus.Fields{
		"file":         path,
		"lines":        stats.lines,
		"records":      stats.records,
		"missing_id":   stats.missingID,
		"filtered_out": stats.filteredOut,
		"json_errors":  stats.parseErrors,
	}).Debug("Finished file")

	return batch, nil
}

func (e *Extractor) processLine(line string, lineNum int, path string, batch *output.Batch, stats *fileStats) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var record interface{}
	if err := dec.Decode(&record); err != nil {
		stats.parseErrors++
		metrics.LineParseErrorsTotal.Inc()
		e.logger.WithFields(logrus.Fields{
			"file": path,
			"line": lineNum,
		}).WithError(err).Warn("Error parsing JSON line")
		return
	}
	stats.records++

	if e.filter.FilteredOut(record) {
		stats.filteredOut++
		metrics.RecordsFilteredTotal.Inc()
		return
	}

	primaryID, ok := e.recordIdentifier(record)
	if !ok {
		stats.missingID++
		metrics.RecordsMissingIDTotal.Inc()
		phrase := "optional"
		if e.profile.RecordIdentifier.Required {
			phrase = "required"
		}
		e.logger.WithFields(logrus.Fields{
			"file": path,
			"line": lineNum,
			"path": e.profile.RecordIdentifier.Path,
		}).Debugf("Skipping record with missing %s identifier", phrase)
		return
	}

	recordID := e.ids.RecordID(e.profile.DeterministicIDs.RecordPrefix, primaryID)
	metrics.RecordsExtractedTotal.Inc()

	batch.Records = append(batch.Records, output.RecordRow{RecordID: recordID, DOI: primaryID})
	batch.ProcessRecordRelationships = append(batch.ProcessRecordRelationships, output.ProcessRecordRow{
		ProcessRecordID:  newRelationshipID(),
		ProcessID:        e.profile.ProcessInfo.ProcessID,
		RecordID:         recordID,
		RelationshipType: relationshipIngested,
		Timestamp:        e.timestamp,
	})

	e.processNode(record, recordID, "", e.profile.Entities, batch)
}

// recordIdentifier reads the primary id: a non-empty trimmed JSON string at
// the configured path. Anything else skips the record.
func (e *Extractor) recordIdentifier(record interface{}) (string, bool) {
	raw, ok := ValueAtPath(record, e.profile.RecordIdentifier.Path)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// processNode walks one level of entity configs against the current node.
// parentValueID is empty at record level; it carries the nearest ancestor
// value once one is established.
func (e *Extractor) processNode(node interface{}, recordID, parentValueID string, entities []profile.EntityConfig, batch *output.Batch) {
	for i := range entities {
		cfg := &entities[i]
		data, ok := ValueAtPath(node, cfg.Path)
		if !ok {
			continue
		}

		items := itemsOf(data, cfg.IsArray)
		for idx, item := range items {
			ordinal := idx + 1
			currentValueID := ""

			if cfg.ValueExtraction != nil {
				content, hasContent, valueType := e.extractValue(item, cfg.ValueExtraction)
				nullKey, hasNull := cfg.ValueExtraction.NullKey()
				finalContent, valueID, err := e.resolveValueID(content, hasContent, valueType, nullKey, hasNull)
				if err != nil {
					e.logger.WithFields(logrus.Fields{
						"entity": cfg.Name,
						"record": recordID,
					}).WithError(err).Warn("Failed to resolve value id for entity item")
					continue
				}
				e.addValueRows(valueID, valueType, finalContent, batch)
				currentValueID = valueID

				if parentValueID != "" {
					if cfg.RelationshipToParent != "" {
						e.addValueValueRelationship(parentValueID, valueID, cfg.RelationshipToParent, ordinal, true, batch)
					}
				} else if cfg.RelationshipToRecord != "" {
					e.addRecordValueRelationship(recordID, valueID, cfg.RelationshipToRecord, ordinal, batch)
				}
			}

			parentForChildren := currentValueID
			if parentForChildren == "" {
				parentForChildren = parentValueID
			}

			if parentForChildren != "" {
				if len(cfg.NestedEntities) > 0 {
					e.processNode(item, recordID, parentForChildren, cfg.NestedEntities, batch)
				}
				if len(cfg.RelatedValues) > 0 {
					e.processRelatedValues(item, parentForChildren, cfg.RelatedValues, batch)
				}
			} else if len(cfg.NestedEntities) > 0 || len(cfg.RelatedValues) > 0 {
				e.logger.WithFields(logrus.Fields{
					"entity": cfg.Name,
					"record": recordID,
				}).Warn("Cannot process nested or related entities: no parent value id established or inherited")
			}
		}
	}
}

// processRelatedValues resolves lookup-style values against the current item.
// Ordinals are absent on the resulting relationships; the null default
// applies when the path is missing, or when a filter condition matched
// nothing at an existing path.
func (e *Extractor) processRelatedValues(node interface{}, parentValueID string, configs []profile.RelatedValueConfig, batch *output.Batch) {
	for i := range configs {
		cfg := &configs[i]
		data, ok := ValueAtPath(node, cfg.Path)
		if !ok {
			e.applyNullDefault(cfg, parentValueID, batch)
			continue
		}

		items := itemsOf(data, cfg.IsArray)
		foundMatch := false

		for _, item := range items {
			if cfg.FilterCondition != nil && !e.checkFilterCondition(item, cfg.FilterCondition) {
				continue
			}

			content, hasContent, valueType := e.extractValue(item, &cfg.ExtractValue)
			nullKey, hasNull := cfg.ExtractValue.NullKey()
			finalContent, valueID, err := e.resolveValueID(content, hasContent, valueType, nullKey, hasNull)
			if err != nil {
				e.logger.WithFields(logrus.Fields{
					"related_value": cfg.Name,
					"path":          cfg.Path,
					"parent":        parentValueID,
				}).WithError(err).Warn("Failed to resolve related value id")
				continue
			}

			e.addValueRows(valueID, valueType, finalContent, batch)
			e.addValueValueRelationship(parentValueID, valueID, cfg.RelationshipToParent, 0, false, batch)
			foundMatch = true

			if cfg.TakeFirstMatch {
				break
			}
		}

		if !foundMatch && cfg.FilterCondition != nil {
			e.applyNullDefault(cfg, parentValueID, batch)
		}
	}
}

// applyNullDefault emits the precomputed null value and its parent link when
// the related value's extraction declares a null fallback.
func (e *Extractor) applyNullDefault(cfg *profile.RelatedValueConfig, parentValueID string, batch *output.Batch) {
	nullKey, ok := cfg.ExtractValue.NullKey()
	if !ok {
		return
	}
	nv, ok := e.nulls[nullKey]
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"null_key": nullKey,
			"path":     cfg.Path,
			"parent":   parentValueID,
		}).Warn("Precomputed null id not found for key")
		return
	}
	e.logger.WithFields(logrus.Fields{
		"related_value": cfg.Name,
		"null_key":      nullKey,
		"parent":        parentValueID,
	}).Debug("Applying null default for related value")
	e.addValueRows(nv.ValueID, nv.ValueType, nv.Content, batch)
	e.addValueValueRelationship(parentValueID, nv.ValueID, cfg.RelationshipToParent, 0, false, batch)
}

// extractValue computes (content, present, value_type) for one item. Field
// extraction accepts strings, numbers and booleans; combine_fields joins the
// non-empty string fields with the configured separator.
func (e *Extractor) extractValue(node interface{}, cfg *profile.ValueExtraction) (string, bool, string) {
	switch cfg.Type {
	case profile.ExtractField:
		raw, ok := ValueAtPath(node, "/"+cfg.Field)
		if !ok {
			return "", false, cfg.TargetValueType
		}
		content, has := stringifyScalar(raw)
		return content, has, cfg.TargetValueType

	case profile.ExtractCombineFields:
		parts := make([]string, 0, len(cfg.Fields))
		for _, field := range cfg.Fields {
			raw, ok := ValueAtPath(node, "/"+field)
			if !ok {
				continue
			}
			s, isString := raw.(string)
			if !isString {
				continue
			}
			s = strings.TrimSpace(s)
			if s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false, cfg.TargetValueType
		}
		return strings.Join(parts, cfg.Separator), true, cfg.TargetValueType
	}
	return "", false, cfg.TargetValueType
}

// resolveValueID interns extracted content, falls back to the precomputed
// null when extraction produced nothing, or fails the item.
func (e *Extractor) resolveValueID(content string, hasContent bool, valueType, nullKey string, hasNull bool) (string, string, error) {
	if hasContent {
		valueID := e.ids.ValueID(e.profile.DeterministicIDs.ValuePrefix, valueType, content)
		return content, valueID, nil
	}
	if hasNull {
		nv, ok := e.nulls[nullKey]
		if !ok {
			return "", "", errors.New(errors.CodeExtraction, "extract", "resolve", fmt.Sprintf("precomputed null id not found for key %q", nullKey))
		}
		if _, defined := e.profile.NullValues[nullKey]; !defined {
			return "", "", errors.New(errors.CodeExtraction, "extract", "resolve", fmt.Sprintf("null value configuration not found for key %q", nullKey))
		}
		return nv.Content, nv.ValueID, nil
	}
	return "", "", errors.New(errors.CodeExtraction, "extract", "resolve", fmt.Sprintf("value extraction failed for type %q and no null default specified", valueType))
}

// checkFilterCondition compares one field of a candidate item to the
// configured literal. Strings compare directly (optionally case-insensitive);
// numbers and booleans compare by textual form, always case-insensitively.
func (e *Extractor) checkFilterCondition(node interface{}, cond *profile.FilterConditionConfig) bool {
	raw, ok := ValueAtPath(node, "/"+cond.Field)
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case string:
		if cond.CaseInsensitive {
			return strings.EqualFold(v, cond.Equals)
		}
		return v == cond.Equals
	case json.Number:
		return strings.EqualFold(v.String(), cond.Equals)
	case bool:
		if v {
			return strings.EqualFold("true", cond.Equals)
		}
		return strings.EqualFold("false", cond.Equals)
	default:
		return false
	}
}

func (e *Extractor) addValueRows(valueID, valueType, content string, batch *output.Batch) {
	batch.Values = append(batch.Values, output.ValueRow{
		ValueID:      valueID,
		ValueType:    valueType,
		ValueContent: content,
	})
	batch.ProcessValueRelationships = append(batch.ProcessValueRelationships, output.ProcessValueRow{
		ProcessValueID:   newRelationshipID(),
		ProcessID:        e.profile.ProcessInfo.ProcessID,
		ValueID:          valueID,
		RelationshipType: relationshipCreated,
		ConfidenceScore:  defaultConfidence,
		Timestamp:        e.timestamp,
	})
}

func (e *Extractor) addValueValueRelationship(sourceID, targetID, relType string, ordinal int, hasOrdinal bool, batch *output.Batch) {
	batch.ValueValueRelationships = append(batch.ValueValueRelationships, output.ValueValueRow{
		ValueValueID:     newRelationshipID(),
		SourceValueID:    sourceID,
		TargetValueID:    targetID,
		RelationshipType: relType,
		Ordinal:          ordinal,
		HasOrdinal:       hasOrdinal,
		ProcessID:        e.profile.ProcessInfo.ProcessID,
		ConfidenceScore:  defaultConfidence,
		Timestamp:        e.timestamp,
	})
}

func (e *Extractor) addRecordValueRelationship(recordID, valueID, relType string, ordinal int, batch *output.Batch) {
	batch.RecordValueRelationships = append(batch.RecordValueRelationships, output.RecordValueRow{
		RecordValueID:    newRelationshipID(),
		RecordID:         recordID,
		ValueID:          valueID,
		RelationshipType: relType,
		Ordinal:          ordinal,
		ProcessID:        e.profile.ProcessInfo.ProcessID,
		Timestamp:        e.timestamp,
	})
}

// itemsOf builds the item list for an entity or related-value path. An array
// config applied to a non-array yields nothing.
func itemsOf(data interface{}, isArray bool) []interface{} {
	if isArray {
		arr, ok := data.([]interface{})
		if !ok {
			return nil
		}
		return arr
	}
	return []interface{}{data}
}
