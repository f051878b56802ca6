package events

import (
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LinkFile appends every external link to a text file, one tab-separated line per link:
// post title, platform, URL, decryption key.
type LinkFile struct {
	Discard
	mu sync.Mutex
	f  *os.File
}

func OpenLinkFile(path string) (*LinkFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening links file %s: %w", path, err)
	}
	return &LinkFile{f: f}, nil
}

func (l *LinkFile) ExternalLink(link ExternalLink) {
	fields := []string{link.PostTitle, link.Platform, link.URL, link.DecryptionKey}
	for i, v := range fields {
		fields[i] = strings.Join(strings.Fields(v), " ")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(l.f, strings.Join(fields, "\t")); err != nil {
		log.WithError(err).Warnf("Could not record link %s", link.URL)
	}
}

func (l *LinkFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
