package process

import (
	"encoding/json"
	"fmt"
)

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// CleaningParams configures text_cleaning. Every removal defaults to on.
type CleaningParams struct {
	Columns            []string `json:"columns"`
	RemoveHTML         *bool    `json:"remove_html,omitempty"`
	RemoveURLs         *bool    `json:"remove_urls,omitempty"`
	RemoveSpecialChars *bool    `json:"remove_special_chars,omitempty"`
}

// NormalizationParams configures text_normalization.
type NormalizationParams struct {
	Columns       []string `json:"columns"`
	Case          string   `json:"case,omitempty"`
	RemoveAccents *bool    `json:"remove_accents,omitempty"`
}

type TokenizationParams struct {
	Columns        []string `json:"columns"`
	JoinTokens     *bool    `json:"join_tokens,omitempty"`
	MinTokenLength *int     `json:"min_token_length,omitempty"`
}

type MissingDataParams struct {
	Strategy  string `json:"strategy,omitempty"`
	FillValue any    `json:"fill_value,omitempty"`
}

type ColumnMappingParams struct {
	ColumnMappings  map[string]string `json:"column_mappings,omitempty"`
	TypeConversions map[string]string `json:"type_conversions,omitempty"`
	DefaultValues   map[string]any    `json:"default_values,omitempty"`
}

type Filter struct {
	Column   string `json:"column"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value"`
}

type FilteringParams struct {
	Filters []Filter `json:"filters"`
}

type ValidationParams struct {
	RequiredColumns []string          `json:"required_columns,omitempty"`
	ColumnTypes     map[string]string `json:"column_types,omitempty"`
	RemoveInvalid   bool              `json:"remove_invalid,omitempty"`
}

// decode maps loosely typed operation parameters onto a typed struct.
func decode[T any](params map[string]any) (T, error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("parameters: %w", err)
	}
	return out, nil
}
