package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/crewnexus/internal/provider"
)

// ValidationError lists descriptor problems by field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrInvalidDescriptor, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDescriptor }

// Validate checks required fields, the model against catalog (skipped when
// catalog is nil) and tool names.
func Validate(d Descriptor, catalog *provider.Catalog) error {
	fields := make(map[string]string)
	required := map[string]string{
		"name":      d.Name,
		"role":      d.Role,
		"goal":      d.Goal,
		"backstory": d.Backstory,
	}
	for field, v := range required {
		if strings.TrimSpace(v) == "" {
			fields[field] = field + " is required"
		}
	}

	switch d.Type {
	case "", TypeWorker, TypeManager, TypeResearcher:
	default:
		fields["agent_type"] = fmt.Sprintf("unknown agent type %q", d.Type)
	}

	model := d.Model
	if model == "" {
		model = provider.DefaultModel
	}
	if catalog != nil && !catalog.Has(model) {
		fields["model_name"] = fmt.Sprintf("model %s not available", model)
	}

	for _, t := range d.Tools {
		if strings.TrimSpace(t.Name) == "" {
			fields["tools"] = "tool name is required"
			break
		}
	}

	if d.Config.MaxExecutionTimeSeconds < 0 {
		fields["config.max_execution_time"] = "max_execution_time must not be negative"
	}
	if d.Config.MaxTokens < 0 {
		fields["config.max_tokens"] = "max_tokens must not be negative"
	}
	if d.Config.Temperature < 0 || d.Config.Temperature > 2 {
		fields["config.temperature"] = "temperature must be within [0, 2]"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
