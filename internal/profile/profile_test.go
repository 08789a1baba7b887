package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfileJSON = `{
  "profile_description": "Crossref affiliation extraction",
  "source_info": {"source_id": "crossref", "source_name": "Crossref"},
  "process_info": {"process_id": "crossref-affiliations-v1"},
  "record_identifier": {"path": "/DOI", "required": true},
  "deterministic_ids": {"record_prefix": "rec", "value_prefix": "val", "value_format": "sha256"},
  "null_values": {
    "unknown_ror": {"value_type": "ror_id", "content": "missing"}
  },
  "filters": [
    {"cli_arg": "doi_prefix", "path": "/doi_prefix", "fallback_from": "/DOI"}
  ],
  "entities": [
    {
      "name": "author",
      "path": "author",
      "is_array": true,
      "relationship_to_record": "authored_by",
      "value_extraction": {
        "type": "combine_fields",
        "fields": ["given", "family"],
        "separator": " ",
        "target_value_type": "author_name"
      },
      "nested_entities": [
        {
          "name": "affiliation",
          "path": "affiliation",
          "is_array": true,
          "relationship_to_parent": "affiliated_with",
          "value_extraction": {
            "type": "field",
            "field": "name",
            "target_value_type": "affiliation_name",
            "use_null": "unknown_ror"
          }
        }
      ]
    }
  ]
}`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestLoader_LoadValidProfile(t *testing.T) {
	path := writeProfile(t, validProfileJSON)
	loader := NewLoader(testLogger())

	p, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "crossref", p.SourceInfo.SourceID)
	assert.Equal(t, "crossref-affiliations-v1", p.ProcessInfo.ProcessID)
	assert.Equal(t, "/DOI", p.RecordIdentifier.Path)
	assert.True(t, p.RecordIdentifier.Required)
	assert.Equal(t, "sha256", p.DeterministicIDs.ValueFormat)

	require.Len(t, p.Entities, 1)
	author := p.Entities[0]
	assert.True(t, author.IsArray)
	assert.Equal(t, ExtractCombineFields, author.ValueExtraction.Type)
	assert.Equal(t, []string{"given", "family"}, author.ValueExtraction.Fields)

	require.Len(t, author.NestedEntities, 1)
	affiliation := author.NestedEntities[0]
	assert.Equal(t, ExtractField, affiliation.ValueExtraction.Type)

	key, ok := affiliation.ValueExtraction.NullKey()
	require.True(t, ok)
	assert.Equal(t, "unknown_ror", key)

	_, ok = author.ValueExtraction.NullKey()
	assert.False(t, ok)
}

func TestLoader_CachesByPath(t *testing.T) {
	path := writeProfile(t, validProfileJSON)
	loader := NewLoader(testLogger())

	first, err := loader.Load(path)
	require.NoError(t, err)
	second, err := loader.Load(path)
	require.NoError(t, err)

	assert.Same(t, first, second, "a profile path is parsed at most once per run")
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(testLogger())
	_, err := loader.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read profile file")
}

func TestLoader_MalformedJSON(t *testing.T) {
	path := writeProfile(t, `{"profile_description": `)
	loader := NewLoader(testLogger())
	_, err := loader.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse profile JSON")
}

func TestProfile_ValidateRejectsUnknownExtractionType(t *testing.T) {
	path := writeProfile(t, `{
	  "profile_description": "x",
	  "source_info": {"source_id": "s"},
	  "process_info": {"process_id": "p"},
	  "record_identifier": {"path": "/DOI", "required": true},
	  "deterministic_ids": {"record_prefix": "rec", "value_prefix": "val", "value_format": "sha256"},
	  "null_values": {},
	  "entities": [
	    {"name": "e", "path": "e", "is_array": false,
	     "value_extraction": {"type": "regex", "target_value_type": "t"}}
	  ]
	}`)
	loader := NewLoader(testLogger())
	_, err := loader.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown value extraction type")
}

func TestProfile_ValidateRequiresEntities(t *testing.T) {
	path := writeProfile(t, `{
	  "profile_description": "x",
	  "source_info": {"source_id": "s"},
	  "process_info": {"process_id": "p"},
	  "record_identifier": {"path": "/DOI", "required": true},
	  "deterministic_ids": {"record_prefix": "rec", "value_prefix": "val", "value_format": "sha256"},
	  "null_values": {},
	  "entities": []
	}`)
	loader := NewLoader(testLogger())
	_, err := loader.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entities")
}
