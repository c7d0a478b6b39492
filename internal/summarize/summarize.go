// Package summarize bounds the size of intermediate results before they
// re-enter a model prompt.
//
// The policy is head-and-tail sampling: keep the first K and last K records
// plus the total count and simple aggregates. Boundary values and scale
// survive, token cost does not grow with input size, and identical input
// always yields identical output so repeated runs are reproducible.
package summarize

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Budget controls how much of a record collection survives summarization.
type Budget struct {
	// HeadRows and TailRows are the number of records kept from each end.
	HeadRows int
	TailRows int

	// MaxBytes caps the rendered output. 0 means DefaultMaxBytes.
	MaxBytes int

	// MaxDistinct is the cardinality ceiling for a column to be counted as
	// low-cardinality. 0 means DefaultMaxDistinct.
	MaxDistinct int
}

const (
	DefaultHeadRows    = 10
	DefaultTailRows    = 10
	DefaultMaxBytes    = 8192
	DefaultMaxDistinct = 12
)

func (b Budget) withDefaults() Budget {
	if b.HeadRows <= 0 {
		b.HeadRows = DefaultHeadRows
	}
	if b.TailRows <= 0 {
		b.TailRows = DefaultTailRows
	}
	if b.MaxBytes <= 0 {
		b.MaxBytes = DefaultMaxBytes
	}
	if b.MaxDistinct <= 0 {
		b.MaxDistinct = DefaultMaxDistinct
	}
	return b
}

// Summary is the bounded representation of a record collection.
type Summary struct {
	TotalRows int              `json:"total_rows"`
	Truncated bool             `json:"truncated"`
	Head      []map[string]any `json:"head,omitempty"`
	Tail      []map[string]any `json:"tail,omitempty"`

	// DistinctCounts maps low-cardinality column names to value frequencies.
	// Keys and nested keys are emitted in sorted order.
	DistinctCounts map[string]map[string]int `json:"distinct_counts,omitempty"`
}

// Table summarizes an ordered collection of records under budget.
func Table(rows []map[string]any, budget Budget) Summary {
	b := budget.withDefaults()
	out := Summary{TotalRows: len(rows)}

	if len(rows) <= b.HeadRows+b.TailRows {
		out.Head = rows
	} else {
		out.Truncated = true
		out.Head = rows[:b.HeadRows]
		out.Tail = rows[len(rows)-b.TailRows:]
	}

	out.DistinctCounts = distinctCounts(rows, b.MaxDistinct)
	return out
}

// Render returns the summary as indented JSON capped at the budget's byte
// limit, suitable for embedding in a prompt.
func (s Summary) Render(budget Budget) string {
	b := budget.withDefaults()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"total_rows": %d, "error": "summary not renderable"}`, s.TotalRows)
	}
	if len(raw) <= b.MaxBytes {
		return string(raw)
	}

	// Halve the sample until it fits. Aggregates are dropped last.
	reduced := s
	for len(raw) > b.MaxBytes {
		switch {
		case len(reduced.Head) > 1 || len(reduced.Tail) > 1:
			reduced.Head = reduced.Head[:(len(reduced.Head)+1)/2]
			if len(reduced.Tail) > 0 {
				reduced.Tail = reduced.Tail[len(reduced.Tail)-(len(reduced.Tail)+1)/2:]
			}
			reduced.Truncated = true
		case reduced.DistinctCounts != nil:
			reduced.DistinctCounts = nil
		case len(reduced.Head) == 1:
			reduced.Head = nil
			reduced.Tail = nil
			reduced.Truncated = true
		default:
			return fmt.Sprintf(`{"total_rows": %d, "truncated": true}`, s.TotalRows)
		}
		raw, err = json.MarshalIndent(reduced, "", "  ")
		if err != nil {
			return fmt.Sprintf(`{"total_rows": %d, "truncated": true}`, s.TotalRows)
		}
	}
	return string(raw)
}

// distinctCounts computes value frequencies for columns whose cardinality is
// at most maxDistinct. Columns are discovered across all rows; traversal is
// sorted so output is deterministic.
func distinctCounts(rows []map[string]any, maxDistinct int) map[string]map[string]int {
	if len(rows) == 0 {
		return nil
	}
	counts := map[string]map[string]int{}
	exceeded := map[string]bool{}
	for _, row := range rows {
		for col, v := range row {
			if exceeded[col] {
				continue
			}
			key := scalarKey(v)
			if key == "" {
				exceeded[col] = true
				delete(counts, col)
				continue
			}
			m := counts[col]
			if m == nil {
				m = map[string]int{}
				counts[col] = m
			}
			m[key]++
			if len(m) > maxDistinct {
				exceeded[col] = true
				delete(counts, col)
			}
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// scalarKey renders a value as a counting key. Non-scalar values return ""
// and exclude the column: distinct counts over nested data are noise.
func scalarKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case string:
		if x == "" {
			return "<empty>"
		}
		return x
	case bool:
		return fmt.Sprintf("%t", x)
	case float64, float32, int, int64, int32, uint, uint64:
		return fmt.Sprintf("%v", x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}

// Text truncates s to maxRunes, appending a marker when anything was dropped.
func Text(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "\n... (truncated)"
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for col := range seen {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}
