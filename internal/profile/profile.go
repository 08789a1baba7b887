// Package profile holds the typed in-memory form of the declarative
// extraction profiles. A profile describes how one record's JSON tree is
// walked: which sub-objects become entities, how their values are computed
// and which relationships connect them. Profiles are loaded once per path
// and treated as immutable shared configuration afterwards.
package profile

import (
	"encoding/json"
	"fmt"
	"os"

	"affiliation-extract/pkg/errors"

	"github.com/sirupsen/logrus"
)

// Extraction kinds for ValueExtraction.Type
const (
	ExtractField         = "field"
	ExtractCombineFields = "combine_fields"
)

// Profile is the root of one extraction profile
type Profile struct {
	ProfileDescription string                     `json:"profile_description"`
	SourceInfo         SourceInfo                 `json:"source_info"`
	ProcessInfo        ProcessInfo                `json:"process_info"`
	RecordIdentifier   RecordIdentifierConfig     `json:"record_identifier"`
	DeterministicIDs   DeterministicIDConfig      `json:"deterministic_ids"`
	NullValues         map[string]NullValueConfig `json:"null_values"`
	Filters            []FilterConfig             `json:"filters,omitempty"`
	Entities           []EntityConfig             `json:"entities"`
}

// SourceInfo identifies the data source the profile extracts from
type SourceInfo struct {
	SourceID          string `json:"source_id"`
	SourceName        string `json:"source_name,omitempty"`
	SourceDescription string `json:"source_description,omitempty"`
}

// ProcessInfo identifies the extraction process itself
type ProcessInfo struct {
	ProcessID          string `json:"process_id"`
	ProcessName        string `json:"process_name,omitempty"`
	ProcessDescription string `json:"process_description,omitempty"`
}

// RecordIdentifierConfig locates the primary identifier of each record
type RecordIdentifierConfig struct {
	Path     string `json:"path"`
	Required bool   `json:"required"`
}

// DeterministicIDConfig carries the hashing prefixes for record and value ids.
// ValueFormat is an informational label and is not interpreted.
type DeterministicIDConfig struct {
	RecordPrefix string `json:"record_prefix"`
	ValuePrefix  string `json:"value_prefix"`
	ValueFormat  string `json:"value_format"`
}

// NullValueConfig names a placeholder value emitted when extraction yields nothing
type NullValueConfig struct {
	ValueType string `json:"value_type"`
	Content   string `json:"content"`
}

// FilterConfig maps a task filter key onto a record path
type FilterConfig struct {
	CLIArg       string `json:"cli_arg"`
	Path         string `json:"path"`
	FallbackFrom string `json:"fallback_from,omitempty"`
}

// EntityConfig describes one entity extraction rule, possibly nested
type EntityConfig struct {
	Name                 string               `json:"name"`
	Path                 string               `json:"path"`
	IsArray              bool                 `json:"is_array"`
	RelationshipToRecord string               `json:"relationship_to_record,omitempty"`
	RelationshipToParent string               `json:"relationship_to_parent,omitempty"`
	ValueExtraction      *ValueExtraction     `json:"value_extraction,omitempty"`
	NestedEntities       []EntityConfig       `json:"nested_entities,omitempty"`
	RelatedValues        []RelatedValueConfig `json:"related_values,omitempty"`
}

// RelatedValueConfig describes a lookup-style value attached to a parent value
type RelatedValueConfig struct {
	Name                 string                 `json:"name"`
	Path                 string                 `json:"path"`
	IsArray              bool                   `json:"is_array"`
	FilterCondition      *FilterConditionConfig `json:"filter_condition,omitempty"`
	ExtractValue         ValueExtraction        `json:"extract_value"`
	RelationshipToParent string                 `json:"relationship_to_parent"`
	TakeFirstMatch       bool                   `json:"take_first_match,omitempty"`
}

// FilterConditionConfig compares one field of a candidate item to a literal
type FilterConditionConfig struct {
	Field           string `json:"field"`
	Equals          string `json:"equals"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
}

// ValueExtraction is the tagged variant for value computation. Type selects
// between the single-field and the combine-fields shapes.
type ValueExtraction struct {
	Type            string   `json:"type"`
	Field           string   `json:"field,omitempty"`
	Fields          []string `json:"fields,omitempty"`
	Separator       string   `json:"separator,omitempty"`
	TargetValueType string   `json:"target_value_type"`
	UseNull         *string  `json:"use_null,omitempty"`
}

// NullKey returns the null fallback key shared by both extraction shapes
func (v *ValueExtraction) NullKey() (string, bool) {
	if v.UseNull == nil {
		return "", false
	}
	return *v.UseNull, true
}

func (v *ValueExtraction) validate(where string) error {
	switch v.Type {
	case ExtractField:
		if v.Field == "" {
			return errors.ProfileError("validate", fmt.Sprintf("%s: field extraction requires a field name", where))
		}
	case ExtractCombineFields:
		if len(v.Fields) == 0 {
			return errors.ProfileError("validate", fmt.Sprintf("%s: combine_fields extraction requires at least one field", where))
		}
	default:
		return errors.ProfileError("validate", fmt.Sprintf("%s: unknown value extraction type %q", where, v.Type))
	}
	if v.TargetValueType == "" {
		return errors.ProfileError("validate", fmt.Sprintf("%s: target_value_type is required", where))
	}
	return nil
}

// Validate checks the structural requirements of a parsed profile
func (p *Profile) Validate() error {
	if p.ProcessInfo.ProcessID == "" {
		return errors.ProfileError("validate", "process_info.process_id is required")
	}
	if p.SourceInfo.SourceID == "" {
		return errors.ProfileError("validate", "source_info.source_id is required")
	}
	if p.RecordIdentifier.Path == "" {
		return errors.ProfileError("validate", "record_identifier.path is required")
	}
	if p.DeterministicIDs.RecordPrefix == "" || p.DeterministicIDs.ValuePrefix == "" {
		return errors.ProfileError("validate", "deterministic_ids prefixes are required")
	}
	for key, nv := range p.NullValues {
		if nv.ValueType == "" || nv.Content == "" {
			return errors.ProfileError("validate", fmt.Sprintf("null value %q requires value_type and content", key))
		}
	}
	for _, f := range p.Filters {
		if f.CLIArg == "" || f.Path == "" {
			return errors.ProfileError("validate", "filter definitions require cli_arg and path")
		}
	}
	if len(p.Entities) == 0 {
		return errors.ProfileError("validate", "profile defines no entities")
	}
	return validateEntities(p.Entities, "entities")
}

func validateEntities(entities []EntityConfig, where string) error {
	for _, entity := range entities {
		here := fmt.Sprintf("%s/%s", where, entity.Name)
		if entity.Name == "" || entity.Path == "" {
			return errors.ProfileError("validate", fmt.Sprintf("%s: entities require name and path", where))
		}
		if entity.ValueExtraction != nil {
			if err := entity.ValueExtraction.validate(here); err != nil {
				return err
			}
		}
		for _, rv := range entity.RelatedValues {
			if rv.Name == "" || rv.Path == "" || rv.RelationshipToParent == "" {
				return errors.ProfileError("validate", fmt.Sprintf("%s: related values require name, path and relationship_to_parent", here))
			}
			if err := rv.ExtractValue.validate(fmt.Sprintf("%s/%s", here, rv.Name)); err != nil {
				return err
			}
			if rv.FilterCondition != nil && rv.FilterCondition.Field == "" {
				return errors.ProfileError("validate", fmt.Sprintf("%s/%s: filter_condition requires a field", here, rv.Name))
			}
		}
		if len(entity.NestedEntities) > 0 {
			if err := validateEntities(entity.NestedEntities, here); err != nil {
				return err
			}
		}
	}
	return nil
}

// Loader loads profile files, caching each path so a profile shared by
// several tasks is parsed once per run.
type Loader struct {
	cache  map[string]*Profile
	logger *logrus.Logger
}

// NewLoader creates a profile loader
func NewLoader(logger *logrus.Logger) *Loader {
	return &Loader{
		cache:  make(map[string]*Profile),
		logger: logger,
	}
}

// Load parses the profile JSON at path, returning the cached instance on
// repeated calls with the same path.
func (l *Loader) Load(path string) (*Profile, error) {
	if cached, ok := l.cache[path]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ProfileError("load", fmt.Sprintf("failed to read profile file %s", path)).Wrap(err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.ProfileError("load", fmt.Sprintf("failed to parse profile JSON from %s", path)).Wrap(err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	l.cache[path] = &p
	l.logger.WithFields(logrus.Fields{
		"profile":    path,
		"process_id": p.ProcessInfo.ProcessID,
		"entities":   len(p.Entities),
	}).Info("Profile loaded")

	return &p, nil
}
