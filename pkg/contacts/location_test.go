package contacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixTableLongestMatch(t *testing.T) {
	table := NewPrefixTable(map[string]string{
		"+1":    "United States",
		"1555":  "Springfield",
		"15550": "Springfield Downtown",
		"":      "dropped",
	})
	require.Equal(t, 3, table.Len())

	require.Equal(t, "Springfield Downtown", table.GeoDescription("+1 (555) 010-0100"))
	require.Equal(t, "Springfield", table.GeoDescription("1-555-9999"))
	require.Equal(t, "United States", table.GeoDescription("+1 212 555 0000"))
	require.Equal(t, "", table.GeoDescription("+44 20 7946 0000"))

	var empty *PrefixTable
	require.Equal(t, "", empty.GeoDescription("555"))
}

func TestStrategyByName(t *testing.T) {
	table := NewPrefixTable(map[string]string{"555": "Springfield"})

	s, err := StrategyByName("", table)
	require.NoError(t, err)
	require.Equal(t, "Capital City", s.Locate(context.Background(), ContactCacheEntry{Number: "555", Location: "Capital City"}))
	require.Equal(t, "Springfield", s.Locate(context.Background(), ContactCacheEntry{Number: "555"}))

	s, err = StrategyByName("prefix", table)
	require.NoError(t, err)
	require.Equal(t, "Springfield", s.Locate(context.Background(), ContactCacheEntry{Number: "555", Location: "Capital City"}))

	_, err = StrategyByName("prefix", nil)
	require.Error(t, err)
	_, err = StrategyByName("carrier", table)
	require.Error(t, err)
}

func TestEntryDisplayLines(t *testing.T) {
	e := ContactCacheEntry{Number: "555-0100", Location: "Springfield"}
	require.Equal(t, "555-0100", e.DisplayName())
	require.Equal(t, "Springfield", e.LocationLine())
	require.Equal(t, "Springfield", e.DetailLine())

	e.Name, e.Label = "Homer", "Work"
	require.Equal(t, "Homer", e.DisplayName())
	require.Equal(t, "Work Springfield", e.LocationLine())
	require.Equal(t, "555-0100 Work Springfield", e.DetailLine())

	require.Equal(t, "Unknown", ContactCacheEntry{}.DisplayName())
	require.Equal(t, UnknownLocation, ContactCacheEntry{}.LocationLine())
}
