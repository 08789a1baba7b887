package extract

import (
	"strings"

	"affiliation-extract/internal/profile"

	"github.com/sirupsen/logrus"
)

// RecordFilter applies the resolved task filters to a record before
// extraction. A record failing any active filter produces no rows at all.
type RecordFilter struct {
	profile *profile.Profile
	active  map[string]string
	logger  *logrus.Logger
}

// NewRecordFilter binds the task's resolved filters to a profile
func NewRecordFilter(p *profile.Profile, active map[string]string, logger *logrus.Logger) *RecordFilter {
	return &RecordFilter{
		profile: p,
		active:  active,
		logger:  logger,
	}
}

func (f *RecordFilter) findFilterConfig(key string) *profile.FilterConfig {
	for i := range f.profile.Filters {
		if f.profile.Filters[i].CLIArg == key {
			return &f.profile.Filters[i]
		}
	}
	return nil
}

// FilteredOut reports whether the record fails any active filter. A filter
// key the profile does not define is logged and skipped rather than
// rejecting the record.
func (f *RecordFilter) FilteredOut(record interface{}) bool {
	if len(f.active) == 0 {
		return false
	}

	for key, requiredValue := range f.active {
		cfg := f.findFilterConfig(key)
		if cfg == nil {
			f.logger.WithField("filter", key).Warn("Active filter key not found in profile filter definitions")
			continue
		}

		current, found := f.resolveFilterValue(record, key, cfg)
		if !found || current != requiredValue {
			return true
		}
	}
	return false
}

// resolveFilterValue reads the filter's path, falling back to the derived
// doi_prefix value when configured. The doi_prefix fallback takes the
// substring of the record identifier before the first slash.
func (f *RecordFilter) resolveFilterValue(record interface{}, key string, cfg *profile.FilterConfig) (string, bool) {
	if raw, ok := ValueAtPath(record, cfg.Path); ok {
		if s, ok := stringifyAny(raw); ok {
			return s, true
		}
	}

	if cfg.FallbackFrom == "" {
		return "", false
	}
	raw, ok := ValueAtPath(record, cfg.FallbackFrom)
	if !ok {
		return "", false
	}
	primaryID, ok := raw.(string)
	if !ok {
		return "", false
	}

	if (cfg.FallbackFrom == "/DOI" || cfg.FallbackFrom == "DOI") && key == "doi_prefix" {
		if idx := strings.Index(primaryID, "/"); idx >= 0 {
			return primaryID[:idx], true
		}
	}
	return "", false
}

// ResolveTaskFilters keeps only the task filters the profile defines. Unknown
// keys are dropped with a warning; they never abort the run.
func ResolveTaskFilters(p *profile.Profile, taskFilters map[string]string, logger *logrus.Logger) map[string]string {
	resolved := make(map[string]string)
	for key, value := range taskFilters {
		known := false
		for _, cfg := range p.Filters {
			if cfg.CLIArg == key {
				known = true
				break
			}
		}
		if known {
			resolved[key] = value
		} else {
			logger.WithField("filter", key).Warn("Task filter has no corresponding filter definition in the profile; ignoring")
		}
	}
	return resolved
}
