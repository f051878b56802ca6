package orchestrator

import (
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go-kemono-download/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Counter allocates consecutive numbers for the manga numbering styles.
type Counter struct {
	mu   sync.Mutex
	next int
}

func NewCounter(start int) *Counter {
	return &Counter{next: start}
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Peek returns the value the next call to Next will return.
func (c *Counter) Peek() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// ScanHighestNumber walks root and returns the highest leading number of any file named
// "NNN..." or "prefix NNN...". A missing root yields 0.
func ScanHighestNumber(root, prefix string) (int, error) {
	pattern := `^(\d+)`
	if p := strings.TrimSpace(prefix); p != "" {
		pattern = `^(?:` + regexp.QuoteMeta(helpers.FilenameFromBase(p, "")) + `\s*)?(\d+)`
	}
	re := regexp.MustCompile(pattern)

	highest := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			log.WithError(err).Debugf("Skipping %s while scanning for numbered files", path)
			return nil
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		m := re.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > highest {
			highest = n
		}
		return nil
	})
	return highest, err
}
