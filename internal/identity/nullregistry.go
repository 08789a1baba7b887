package identity

import (
	"fmt"

	"affiliation-extract/internal/profile"
	"affiliation-extract/pkg/errors"
)

// NullValue is one precomputed null placeholder: its stable identifier plus
// the type and content written to the values table.
type NullValue struct {
	ValueID   string
	ValueType string
	Content   string
}

// NullRegistry maps null keys to their precomputed values. Built once per run
// from every profile in the run and read-only afterwards.
type NullRegistry map[string]NullValue

// BuildNullRegistry precomputes the identifier of every named null value
// across all profiles. Two profiles sharing a key must agree on value_type
// and content; the value_prefix of the first profile defining a key is used
// for its identifier.
func BuildNullRegistry(profiles []*profile.Profile) (NullRegistry, error) {
	registry := make(NullRegistry)

	for _, p := range profiles {
		prefix := p.DeterministicIDs.ValuePrefix
		for key, cfg := range p.NullValues {
			if existing, ok := registry[key]; ok {
				if existing.ValueType != cfg.ValueType || existing.Content != cfg.Content {
					return nil, errors.NullValueError("build",
						fmt.Sprintf("inconsistent null value configuration for key %q (type: %s, content: %q vs type: %s, content: %q) across profiles",
							key, cfg.ValueType, cfg.Content, existing.ValueType, existing.Content))
				}
				continue
			}
			registry[key] = NullValue{
				ValueID:   DeterministicID(prefix, cfg.ValueType+":"+cfg.Content),
				ValueType: cfg.ValueType,
				Content:   cfg.Content,
			}
		}
	}

	return registry, nil
}
