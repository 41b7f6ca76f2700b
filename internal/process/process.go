// Package process implements the dataset preprocessing operations run by
// preprocess jobs.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"jobline/internal/domain"
)

var ErrUnknownOperation = errors.New("unknown preprocessing operation")

// Operation transforms a dataset. Apply never mutates its input rows.
type Operation interface {
	Validate(params map[string]any) error
	Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error)
}

const (
	OpTextCleaning      = "text_cleaning"
	OpTextNormalization = "text_normalization"
	OpTextTokenization  = "text_tokenization"
	OpMissingData       = "missing_data"
	OpColumnMapping     = "column_mapping"
	OpDataFiltering     = "data_filtering"
	OpDataValidation    = "data_validation"
)

var operations = map[string]Operation{
	OpTextCleaning:      textCleaning{},
	OpTextNormalization: textNormalization{},
	OpTextTokenization:  textTokenization{},
	OpMissingData:       missingData{},
	OpColumnMapping:     columnMapping{},
	OpDataFiltering:     dataFiltering{},
	OpDataValidation:    dataValidation{},
}

// Operations lists the supported operation ids.
func Operations() []string {
	out := make([]string, 0, len(operations))
	for id := range operations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// canonicalID accepts both "text-cleaning" and "text_cleaning".
func canonicalID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "_")
}

// Lookup returns the operation registered under id.
func Lookup(id string) (Operation, error) {
	op, ok := operations[canonicalID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, id)
	}
	return op, nil
}

// Result is the JSON body stored on a completed preprocess job.
type Result struct {
	ProcessedItems    int          `json:"processed_items"`
	OperationsApplied []string     `json:"operations_applied"`
	Data              []domain.Row `json:"data"`
}

// Executor runs preprocess jobs.
type Executor struct{}

func (Executor) ValidateSpec(spec domain.JobSpec) error {
	if spec.Preprocess == nil {
		return fmt.Errorf("%w: preprocess parameters required", domain.ErrInvalidSpec)
	}
	for i, o := range spec.Preprocess.Operations {
		op, err := Lookup(o.ID)
		if err != nil {
			return fmt.Errorf("%w: operations[%d]: %v", domain.ErrInvalidSpec, i, err)
		}
		if err := op.Validate(o.Parameters); err != nil {
			return fmt.Errorf("%w: operations[%d] %s: %v", domain.ErrInvalidSpec, i, o.ID, err)
		}
	}
	return nil
}

func (x Executor) Execute(ctx context.Context, spec domain.JobSpec) (json.RawMessage, error) {
	if err := x.ValidateSpec(spec); err != nil {
		return nil, err
	}
	res, err := Run(ctx, spec.Preprocess.Dataset, spec.Preprocess.Operations)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// Run applies ops to rows in order.
func Run(ctx context.Context, rows []domain.Row, ops []domain.Operation) (Result, error) {
	data := rows
	applied := make([]string, 0, len(ops))
	for _, o := range ops {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		op, err := Lookup(o.ID)
		if err != nil {
			return Result{}, err
		}
		data, err = op.Apply(data, o.Parameters)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", o.ID, err)
		}
		applied = append(applied, canonicalID(o.ID))
	}
	if data == nil {
		data = []domain.Row{}
	}
	return Result{ProcessedItems: len(data), OperationsApplied: applied, Data: data}, nil
}

func cloneRow(r domain.Row) domain.Row {
	out := make(domain.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// applyToColumns rewrites string values of the named columns. Other values
// are left untouched.
func applyToColumns(rows []domain.Row, columns []string, fn func(string) any) []domain.Row {
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		nr := cloneRow(r)
		for _, c := range columns {
			v, ok := nr[c]
			if !ok {
				continue
			}
			switch s := v.(type) {
			case string:
				nr[c] = fn(s)
			case nil:
				nr[c] = fn("")
			}
		}
		out = append(out, nr)
	}
	return out
}

type textCleaning struct{}

func (textCleaning) Validate(params map[string]any) error {
	_, err := decode[CleaningParams](params)
	return err
}

func (textCleaning) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	p, err := decode[CleaningParams](params)
	if err != nil {
		return nil, err
	}
	return applyToColumns(rows, p.Columns, func(s string) any { return cleanText(s, p) }), nil
}

type textNormalization struct{}

func (textNormalization) Validate(params map[string]any) error {
	p, err := decode[NormalizationParams](params)
	if err != nil {
		return err
	}
	switch p.Case {
	case "", "lower", "upper", "title":
		return nil
	default:
		return fmt.Errorf("case must be lower, upper or title, got %q", p.Case)
	}
}

func (n textNormalization) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := n.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[NormalizationParams](params)
	accents := boolOr(p.RemoveAccents, true)
	return applyToColumns(rows, p.Columns, func(s string) any {
		s = applyCase(s, p.Case)
		if accents {
			s = removeAccents(s)
		}
		return s
	}), nil
}

type textTokenization struct{}

func (textTokenization) Validate(params map[string]any) error {
	p, err := decode[TokenizationParams](params)
	if err != nil {
		return err
	}
	if p.MinTokenLength != nil && *p.MinTokenLength < 0 {
		return errors.New("min_token_length must not be negative")
	}
	return nil
}

func (t textTokenization) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := t.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[TokenizationParams](params)
	minLen := 2
	if p.MinTokenLength != nil {
		minLen = *p.MinTokenLength
	}
	join := boolOr(p.JoinTokens, true)
	return applyToColumns(rows, p.Columns, func(s string) any {
		tokens := tokenize(s, minLen)
		if join {
			return strings.Join(tokens, " ")
		}
		return tokens
	}), nil
}

type missingData struct{}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func (missingData) Validate(params map[string]any) error {
	p, err := decode[MissingDataParams](params)
	if err != nil {
		return err
	}
	switch p.Strategy {
	case "", "remove", "fill":
		return nil
	default:
		return fmt.Errorf("unsupported missing data strategy %q", p.Strategy)
	}
}

func (m missingData) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := m.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[MissingDataParams](params)
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		if p.Strategy == "fill" {
			nr := cloneRow(r)
			for k, v := range nr {
				if isMissing(v) {
					if p.FillValue == nil {
						nr[k] = ""
					} else {
						nr[k] = p.FillValue
					}
				}
			}
			out = append(out, nr)
			continue
		}
		complete := true
		for _, v := range r {
			if isMissing(v) {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

type columnMapping struct{}

var conversionTypes = map[string]bool{"string": true, "number": true, "boolean": true, "date": true}

func (columnMapping) Validate(params map[string]any) error {
	p, err := decode[ColumnMappingParams](params)
	if err != nil {
		return err
	}
	for col, typ := range p.TypeConversions {
		if !conversionTypes[typ] {
			return fmt.Errorf("type_conversions[%s]: unsupported type %q", col, typ)
		}
	}
	return nil
}

func (c columnMapping) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := c.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[ColumnMappingParams](params)
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		nr := make(domain.Row, len(r))
		for k, v := range r {
			if to, ok := p.ColumnMappings[k]; ok && to != "" {
				k = to
			}
			nr[k] = v
		}
		for col, typ := range p.TypeConversions {
			v, ok := nr[col]
			if !ok {
				continue
			}
			conv, err := convert(v, typ)
			if err != nil {
				conv = p.DefaultValues[col]
			}
			nr[col] = conv
		}
		for col, def := range p.DefaultValues {
			if _, ok := nr[col]; !ok {
				nr[col] = def
			}
		}
		out = append(out, nr)
	}
	return out, nil
}

// convert coerces a JSON value to the named type.
func convert(v any, typ string) (any, error) {
	switch typ {
	case "string", "date":
		if v == nil {
			return "", nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case "number":
		switch n := v.(type) {
		case nil:
			return 0.0, nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case bool:
			if n {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			if strings.TrimSpace(n) == "" {
				return 0.0, nil
			}
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
		return nil, fmt.Errorf("cannot convert %T to number", v)
	case "boolean":
		switch b := v.(type) {
		case nil:
			return false, nil
		case bool:
			return b, nil
		case float64:
			return b != 0, nil
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed, nil
			}
			return b != "", nil
		}
		return true, nil
	}
	return nil, fmt.Errorf("unsupported type %q", typ)
}

type dataFiltering struct{}

var filterOperators = map[string]bool{
	"equals": true, "not_equals": true, "contains": true,
	"not_contains": true, "starts_with": true, "ends_with": true,
}

func (dataFiltering) Validate(params map[string]any) error {
	p, err := decode[FilteringParams](params)
	if err != nil {
		return err
	}
	for i, f := range p.Filters {
		if f.Column == "" {
			return fmt.Errorf("filters[%d].column required", i)
		}
		if f.Operator != "" && !filterOperators[f.Operator] {
			return fmt.Errorf("filters[%d]: unsupported operator %q", i, f.Operator)
		}
	}
	return nil
}

func (d dataFiltering) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := d.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[FilteringParams](params)
	out := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		if keep(r, p.Filters) {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

// keep reports whether r passes every filter. A filter on a column the row
// lacks is ignored.
func keep(r domain.Row, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r[f.Column]
		if !ok {
			continue
		}
		sv, fv := fmt.Sprint(v), fmt.Sprint(f.Value)
		var pass bool
		switch f.Operator {
		case "", "equals":
			pass = reflect.DeepEqual(v, f.Value)
		case "not_equals":
			pass = !reflect.DeepEqual(v, f.Value)
		case "contains":
			pass = strings.Contains(sv, fv)
		case "not_contains":
			pass = !strings.Contains(sv, fv)
		case "starts_with":
			pass = strings.HasPrefix(sv, fv)
		case "ends_with":
			pass = strings.HasSuffix(sv, fv)
		}
		if !pass {
			return false
		}
	}
	return true
}

type dataValidation struct{}

func (dataValidation) Validate(params map[string]any) error {
	p, err := decode[ValidationParams](params)
	if err != nil {
		return err
	}
	for col, typ := range p.ColumnTypes {
		if typ != "string" && typ != "number" && typ != "boolean" {
			return fmt.Errorf("column_types[%s]: unsupported type %q", col, typ)
		}
	}
	return nil
}

func (d dataValidation) Apply(rows []domain.Row, params map[string]any) ([]domain.Row, error) {
	if err := d.Validate(params); err != nil {
		return nil, err
	}
	p, _ := decode[ValidationParams](params)
	out := make([]domain.Row, 0, len(rows))
rows:
	for _, r := range rows {
		nr := cloneRow(r)
		for _, col := range p.RequiredColumns {
			if isMissing(nr[col]) {
				if p.RemoveInvalid {
					continue rows
				}
				nr[col] = ""
			}
		}
		for col, typ := range p.ColumnTypes {
			v, ok := nr[col]
			if !ok {
				continue
			}
			if typ == "number" && isMissing(v) {
				nr[col] = nil
				continue
			}
			conv, err := convert(v, typ)
			if err != nil {
				if p.RemoveInvalid {
					continue rows
				}
				continue
			}
			nr[col] = conv
		}
		out = append(out, nr)
	}
	return out, nil
}
