package knownnames

import (
	"os"
	"path/filepath"
	"testing"

	"go-kemono-download/internal/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Entry
	}{
		{"Blank", "   ", nil},
		{"Comment", "# names", nil},
		{"Plain", "  Tifa Lockhart ", []Entry{{Primary: "Tifa Lockhart", Aliases: []string{"Tifa Lockhart"}}}},
		{"Group", "(Tifa, Aerith, tifa)~", []Entry{{Primary: "Tifa Aerith", Aliases: []string{"Tifa", "Aerith"}, IsGroup: true}}},
		{"Separate", "(Vivi, Uta)", []Entry{
			{Primary: "Vivi", Aliases: []string{"Vivi"}},
			{Primary: "Uta", Aliases: []string{"Uta"}},
		}},
		{"Empty group", "( , )~", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLine(tt.line))
		})
	}
}

func TestFormatLineRoundTrip(t *testing.T) {
	for _, line := range []string{"Tifa", "(Tifa, Aerith)~"} {
		entries := ParseLine(line)
		require.Len(t, entries, 1)
		assert.Equal(t, line, FormatLine(entries[0]))
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Add(Entry{Primary: "Tifa"}))
	assert.False(t, r.Add(Entry{Primary: "tifa"}), "duplicate primary")
	assert.False(t, r.Add(Entry{Primary: "  "}))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"Tifa"}, entries[0].Aliases)

	assert.True(t, r.Remove("TIFA"))
	assert.False(t, r.Remove("TIFA"))
	assert.Equal(t, 0, r.Len())
}

func TestAddFromFilters(t *testing.T) {
	r := NewRegistry()
	added := r.AddFromFilters(helpers.ParseCharacterFilters("Cloud, (Tifa, Aerith)~, (Vivi, Uta)"))
	assert.Equal(t, 4, added)

	var primaries []string
	for _, e := range r.Entries() {
		primaries = append(primaries, e.Primary)
	}
	assert.Equal(t, []string{"Cloud", "Tifa Aerith", "Vivi", "Uta"}, primaries)
}

func TestMatch(t *testing.T) {
	r := NewRegistry(
		Entry{Primary: "Tifa"},
		Entry{Primary: "Tifa Lockhart"},
		Entry{Primary: "Final Fantasy", Aliases: []string{"FF7"}},
	)

	e, ok := r.Match("Tifa Lockhart beach set")
	require.True(t, ok)
	assert.Equal(t, "Tifa Lockhart", e.Primary)

	all := r.MatchAll("ff7 Tifa Lockhart")
	require.Len(t, all, 3)
	assert.Equal(t, "Tifa Lockhart", all[0].Primary)

	_, ok = r.Match("Tifalicious")
	assert.False(t, ok)
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Known.txt")
	content := "# my names\n\nZack\n(Tifa, Aerith)~\nbarret\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r := NewRegistry()
	require.NoError(t, r.Load(path))
	assert.Equal(t, 3, r.Len())

	out := filepath.Join(dir, "sub", "Known.txt")
	require.NoError(t, r.Save(out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "barret\n(Tifa, Aerith)~\nZack\n", string(data))

	again := NewRegistry()
	require.NoError(t, again.Load(out))
	assert.Equal(t, r.Len(), again.Len())
}

func TestLoadMissingFile(t *testing.T) {
	r := NewRegistry(Entry{Primary: "Old"})
	require.NoError(t, r.Load(filepath.Join(t.TempDir(), "missing.txt")))
	assert.Equal(t, 0, r.Len())
}
