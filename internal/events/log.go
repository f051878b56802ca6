package events

import (
	"fmt"
	"sync"
	"time"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
)

// LogSink writes every event through logrus.
type LogSink struct{}

func (LogSink) Progress(text string) { log.Info(text) }

func (LogSink) FileProgress(apiName string, p *FileProgress) {
	if p == nil {
		return
	}
	log.WithField("file", apiName).Debugf("%s / %s", helpers.BytesToSize(uint64(p.Downloaded)), helpers.BytesToSize(uint64(p.Total)))
}

func (LogSink) FileDownloadStatus(bool) {}

func (LogSink) ExternalLink(link ExternalLink) {
	entry := log.WithFields(log.Fields{"post": link.PostTitle, "platform": link.Platform})
	if link.DecryptionKey != "" {
		entry = entry.WithField("key", link.DecryptionKey)
	}
	entry.Infof("External link: %s (%s)", link.URL, link.Text)
}

func (LogSink) MissedCharacterPost(postTitle, reason string) {
	log.WithField("post", postTitle).Infof("Skipped, no character match: %s", reason)
}

func (LogSink) FailedFiles(retryable, permanent []models.ReplayDescriptor) {
	for _, d := range retryable {
		log.WithField("post", d.PostID).Warnf("Retry later: %s (%s)", d.File.APIName, d.Reason)
	}
	for _, d := range permanent {
		log.WithField("post", d.PostID).Errorf("Failed: %s (%s)", d.File.APIName, d.Reason)
	}
}

// LiveSink renders a live status line for the file in flight and logs everything else.
type LiveSink struct {
	LogSink
	writer   *uilive.Writer
	mu       sync.Mutex
	inFlight int
	last     time.Time
}

func NewLiveSink() *LiveSink {
	w := uilive.New()
	w.RefreshInterval = time.Second
	w.Start()
	return &LiveSink{writer: w}
}

func (s *LiveSink) FileProgress(apiName string, p *FileProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		fmt.Fprintf(s.writer, "Files in flight: %d\n", s.inFlight)
		return
	}
	if time.Since(s.last) < time.Second && p.Downloaded < p.Total {
		return
	}
	s.last = time.Now()
	if p.Total > 0 {
		fmt.Fprintf(s.writer, "Downloading %s: %s / %s (%.0f%%) [%d in flight]\n", apiName,
			helpers.BytesToSize(uint64(p.Downloaded)), helpers.BytesToSize(uint64(p.Total)),
			float64(p.Downloaded)*100/float64(p.Total), s.inFlight)
	} else {
		fmt.Fprintf(s.writer, "Downloading %s: %s [%d in flight]\n", apiName,
			helpers.BytesToSize(uint64(p.Downloaded)), s.inFlight)
	}
}

func (s *LiveSink) FileDownloadStatus(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.inFlight++
	} else if s.inFlight > 0 {
		s.inFlight--
	}
}

// Stop flushes and releases the terminal writer.
func (s *LiveSink) Stop() {
	s.writer.Stop()
}
