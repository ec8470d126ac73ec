package contacts

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// LocationStrategy picks the location string shown for a resolved entry
type LocationStrategy interface {
	Locate(ctx context.Context, entry ContactCacheEntry) string
}

// GeoDescriber maps a phone number to a coarse geographic description
type GeoDescriber interface {
	GeoDescription(number string) string
}

const (
	StrategyEntry  = "entry"
	StrategyPrefix = "prefix"
)

// StrategyByName selects a location strategy from configuration
func StrategyByName(name string, table *PrefixTable) (LocationStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyEntry:
		return EntryLocation{Geo: table}, nil
	case StrategyPrefix:
		if table == nil {
			return nil, fmt.Errorf("location strategy %q requires a prefix table", name)
		}
		return PrefixLocation{Table: table}, nil
	default:
		return nil, fmt.Errorf("unknown location strategy: %s", name)
	}
}

// EntryLocation uses the entry's own location, then a geo description
type EntryLocation struct {
	Geo GeoDescriber
}

func (s EntryLocation) Locate(_ context.Context, entry ContactCacheEntry) string {
	if entry.Location != "" {
		return entry.Location
	}
	if s.Geo == nil {
		return ""
	}
	return s.Geo.GeoDescription(entry.Number)
}

// PrefixLocation ignores the entry location and looks the number up by prefix
type PrefixLocation struct {
	Table *PrefixTable
}

func (s PrefixLocation) Locate(_ context.Context, entry ContactCacheEntry) string {
	return s.Table.GeoDescription(entry.Number)
}

// ============================================
// PREFIX TABLE
// ============================================

// PrefixTable resolves locations by longest digit-prefix match
type PrefixTable struct {
	prefixes map[string]string
	maxLen   int
}

// NewPrefixTable builds a table from prefix -> location pairs
func NewPrefixTable(entries map[string]string) *PrefixTable {
	t := &PrefixTable{prefixes: make(map[string]string, len(entries))}
	for prefix, location := range entries {
		digits := digitsOnly(prefix)
		if digits == "" || location == "" {
			continue
		}
		t.prefixes[digits] = location
		if len(digits) > t.maxLen {
			t.maxLen = len(digits)
		}
	}
	return t
}

// GeoDescription returns the location of the longest matching prefix
func (t *PrefixTable) GeoDescription(number string) string {
	if t == nil {
		return ""
	}
	digits := digitsOnly(number)
	n := t.maxLen
	if len(digits) < n {
		n = len(digits)
	}
	for ; n > 0; n-- {
		if loc, ok := t.prefixes[digits[:n]]; ok {
			return loc
		}
	}
	return ""
}

// Len returns the number of prefixes in the table
func (t *PrefixTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefixes)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
