package salesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedResponse means the page body could not be decoded as JSON.
var ErrMalformedResponse = errors.New("malformed response body")

// Record is one upstream sale object, numbers kept as json.Number.
type Record map[string]any

// ExtractRecords decodes body and returns its record list. Accepted shapes, in order:
// a bare array, {"data": [...]}, {"items": [...]}. Anything else yields zero records.
// Array elements that are not objects are skipped.
func ExtractRecords(body []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var list []any
	switch v := decoded.(type) {
	case []any:
		list = v
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			list = data
		} else if items, ok := v["items"].([]any); ok {
			list = items
		}
	}

	records := make([]Record, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			records = append(records, Record(obj))
		}
	}
	return records, nil
}

// FieldSet lists candidate field names, each list tried in order.
type FieldSet struct {
	IDFields       []string
	SequenceFields []string
	DateFields     []string
	AmountFields   []string
}

var DefaultFieldSet = FieldSet{
	IDFields:       []string{"id_sale", "id"},
	SequenceFields: []string{"sale_number"},
	DateFields:     []string{"shift_date", "sale_date", "created_at", "date", "opened_at"},
	AmountFields:   []string{"total_amount", "total", "amount", "net_amount", "value"},
}

// NormalizedSale is a record reduced to the columns the writer needs.
type NormalizedSale struct {
	ExternalID  string
	SaleDate    time.Time
	TotalAmount decimal.NullDecimal
	Raw         []byte
}

type Normalizer struct {
	Fields FieldSet
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Fields: DefaultFieldSet}
}

// Normalize returns false when the record has no usable identity or sale date.
func (n *Normalizer) Normalize(storeID string, rec Record) (NormalizedSale, bool) {
	var out NormalizedSale

	id, ok := firstString(rec, n.Fields.IDFields)
	if !ok {
		seq, hasSeq := firstString(rec, n.Fields.SequenceFields)
		if !hasSeq {
			return out, false
		}
		id = storeID + ":" + seq
	}
	out.ExternalID = id

	date, ok := n.saleDate(rec)
	if !ok {
		return out, false
	}
	out.SaleDate = date

	for _, field := range n.Fields.AmountFields {
		v, present := rec[field]
		if !present || isEmpty(v) {
			continue
		}
		out.TotalAmount = ParseAmount(v)
		break
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return out, false
	}
	out.Raw = raw
	return out, true
}

func (n *Normalizer) saleDate(rec Record) (time.Time, bool) {
	for _, field := range n.Fields.DateFields {
		v, present := rec[field]
		if !present || isEmpty(v) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, ok := parseSaleDate(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

var saleDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	dateLayout,
}

// parseSaleDate reads s as an instant; strings without an offset are taken as UTC.
func parseSaleDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseAmount converts a JSON number or a formatted string to a 2-place decimal.
// A string carrying only a comma uses it as the decimal separator; with both '.'
// and ',' present, the later one is the decimal separator. Invalid input is null.
func ParseAmount(v any) decimal.NullDecimal {
	var (
		d   decimal.Decimal
		err error
	)
	switch val := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(val.String())
	case float64:
		d = decimal.NewFromFloat(val)
	case int:
		d = decimal.NewFromInt(int64(val))
	case int64:
		d = decimal.NewFromInt(val)
	case string:
		d, err = parseAmountString(val)
	default:
		return decimal.NullDecimal{}
	}
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d.Round(2), Valid: true}
}

func parseAmountString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	clean := b.String()

	lastDot := strings.LastIndex(clean, ".")
	lastComma := strings.LastIndex(clean, ",")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") > 1 {
			return decimal.Decimal{}, fmt.Errorf("invalid amount %q", s)
		}
		clean = strings.Replace(clean, ",", ".", 1)
	}
	if clean == "" {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		clean = "-" + clean
	}
	return decimal.NewFromString(clean)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// firstString returns the first non-empty candidate rendered as a string.
func firstString(rec Record, fields []string) (string, bool) {
	for _, field := range fields {
		v, present := rec[field]
		if !present || isEmpty(v) {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.TrimSpace(val), true
		case json.Number:
			return val.String(), true
		case float64, bool:
			return fmt.Sprint(val), true
		}
	}
	return "", false
}
