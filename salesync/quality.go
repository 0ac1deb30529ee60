package salesync

import (
	"bytes"
	"encoding/json"
)

// QualityGate decides whether a page looks like placeholder data rather than real sales.
type QualityGate interface {
	LooksSynthetic(records []Record) bool
}

// SyntheticHeuristic flags pages larger than MinRecords when every record is identical,
// or when at least SparseRatio of the records carry MaxSparseFields fields or fewer.
type SyntheticHeuristic struct {
	MinRecords      int
	MaxSparseFields int
	SparseRatio     float64
}

var DefaultQualityGate = SyntheticHeuristic{MinRecords: 5, MaxSparseFields: 2, SparseRatio: 0.95}

func (h SyntheticHeuristic) LooksSynthetic(records []Record) bool {
	if len(records) <= h.MinRecords {
		return false
	}
	return h.allIdentical(records) || h.mostlySparse(records)
}

func (h SyntheticHeuristic) allIdentical(records []Record) bool {
	// json.Marshal sorts map keys, so equal records produce equal bytes.
	first, err := json.Marshal(records[0])
	if err != nil {
		return false
	}
	for _, rec := range records[1:] {
		b, err := json.Marshal(rec)
		if err != nil || !bytes.Equal(first, b) {
			return false
		}
	}
	return true
}

func (h SyntheticHeuristic) mostlySparse(records []Record) bool {
	sparse := 0
	for _, rec := range records {
		if len(rec) <= h.MaxSparseFields {
			sparse++
		}
	}
	return float64(sparse) >= h.SparseRatio*float64(len(records))
}

// syntheticPreview is the first record of a flagged page, or "empty".
func syntheticPreview(records []Record) string {
	if len(records) == 0 {
		return "empty"
	}
	b, err := json.Marshal(records[0])
	if err != nil {
		return "empty"
	}
	return string(b)
}
