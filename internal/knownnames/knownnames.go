// Package knownnames keeps the list of character/series names used to pick download folders.
package knownnames

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go-kemono-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Entry is one known name. Non-group entries always list Primary among their aliases.
type Entry struct {
	Primary string   `json:"primary"`
	Aliases []string `json:"aliases"`
	IsGroup bool     `json:"is_group"`
}

type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{}
	for _, e := range entries {
		r.Add(e)
	}
	return r
}

// ParseLine parses one line of the known-names file. Blank lines and comments yield nothing.
//
//	Name          one entry
//	(a, b)        one entry per alias
//	(a, b)~       one grouped entry
func ParseLine(line string) []Entry {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	if strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")~") {
		aliases := helpers.SplitAliases(line[1 : len(line)-2])
		if len(aliases) == 0 {
			return nil
		}
		return []Entry{{
			Primary: helpers.CleanFolderName(strings.Join(aliases, " ")),
			Aliases: aliases,
			IsGroup: true,
		}}
	}
	if strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")") {
		var out []Entry
		for _, a := range helpers.SplitAliases(line[1 : len(line)-1]) {
			out = append(out, Entry{Primary: a, Aliases: []string{a}})
		}
		return out
	}
	return []Entry{{Primary: line, Aliases: []string{line}}}
}

// FormatLine is the inverse of ParseLine for a single entry.
func FormatLine(e Entry) string {
	if e.IsGroup {
		return "(" + strings.Join(e.Aliases, ", ") + ")~"
	}
	return e.Primary
}

func normalize(e Entry) (Entry, bool) {
	e.Primary = strings.TrimSpace(e.Primary)
	e.Aliases = helpers.SplitAliases(strings.Join(e.Aliases, ","))
	if e.Primary == "" {
		return e, false
	}
	if !e.IsGroup {
		found := false
		for _, a := range e.Aliases {
			if strings.EqualFold(a, e.Primary) {
				found = true
				break
			}
		}
		if !found {
			e.Aliases = append([]string{e.Primary}, e.Aliases...)
		}
	}
	return e, len(e.Aliases) > 0
}

// Add inserts e unless an entry with the same primary (ignoring case) exists.
func (r *Registry) Add(e Entry) bool {
	e, ok := normalize(e)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if strings.EqualFold(existing.Primary, e.Primary) {
			return false
		}
	}
	r.entries = append(r.entries, e)
	return true
}

// AddFromFilters registers the names of a parsed character filter and returns how many were new.
func (r *Registry) AddFromFilters(filters []helpers.CharacterFilter) int {
	added := 0
	for _, f := range filters {
		switch {
		case f.IsGroup:
			if r.Add(Entry{Primary: helpers.CleanFolderName(f.Primary), Aliases: f.Aliases, IsGroup: true}) {
				added++
			}
		default:
			for _, a := range f.Aliases {
				if r.Add(Entry{Primary: a, Aliases: []string{a}}) {
					added++
				}
			}
		}
	}
	return added
}

// Remove deletes the entry with the given primary name.
func (r *Registry) Remove(primary string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if strings.EqualFold(e.Primary, primary) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a copy of the registry contents.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type match struct {
	entry  Entry
	length int
}

// MatchAll returns every entry with an alias that word-matches text, longest alias first.
func (r *Registry) MatchAll(text string) []Entry {
	r.mu.RLock()
	var matches []match
	for _, e := range r.entries {
		best := 0
		for _, a := range e.Aliases {
			if len(a) > best && helpers.IsTitleMatch(text, a) {
				best = len(a)
			}
		}
		if best > 0 {
			matches = append(matches, match{entry: e, length: best})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].length > matches[j].length })
	out := make([]Entry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// Match returns the entry whose longest matching alias is longest overall.
func (r *Registry) Match(text string) (Entry, bool) {
	all := r.MatchAll(text)
	if len(all) == 0 {
		return Entry{}, false
	}
	return all[0], true
}

// Load replaces the registry contents with the file at path. A missing file yields an empty registry.
func (r *Registry) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("Known names file %s does not exist yet", path)
		r.mu.Lock()
		r.entries = nil
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening known names file %s: %w", path, err)
	}
	defer f.Close()

	fresh := &Registry{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		for _, e := range ParseLine(sc.Text()) {
			fresh.Add(e)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading known names file %s: %w", path, err)
	}

	r.mu.Lock()
	r.entries = fresh.entries
	r.mu.Unlock()
	log.Debugf("Loaded %d known names from %s", len(fresh.entries), path)
	return nil
}

// Save writes the registry sorted by primary name, replacing the file atomically.
func (r *Registry) Save(path string) error {
	entries := r.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Primary) < strings.ToLower(entries[j].Primary)
	})

	if dir := filepath.Dir(path); !helpers.CheckAndMakeDir(dir) {
		return fmt.Errorf("creating directory for %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".known-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		fmt.Fprintln(w, FormatLine(e))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming %s to %s: %w", tmp.Name(), path, err)
	}
	return nil
}
