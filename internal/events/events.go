// Package events defines the sink the download engine reports to, plus a few adapters.
package events

import (
	"sync"

	"go-kemono-download/internal/models"
)

// Progress of one file transfer. A nil *FileProgress clears the current-file indicator.
type FileProgress struct {
	Downloaded int64
	Total      int64
}

type ExternalLink struct {
	PostTitle     string
	Text          string
	URL           string
	Platform      string
	DecryptionKey string
}

// Sink receives everything the engine reports. Implementations must be safe for concurrent use
// and must keep each method's calls in the order they were made.
type Sink interface {
	Progress(text string)
	FileProgress(apiName string, p *FileProgress)
	FileDownloadStatus(active bool)
	ExternalLink(link ExternalLink)
	MissedCharacterPost(postTitle, reason string)
}

// FailureSink is implemented by sinks that want the per-post lists of failed files.
type FailureSink interface {
	FailedFiles(retryable, permanent []models.ReplayDescriptor)
}

// ReportFailures forwards failures to s when it implements FailureSink.
func ReportFailures(s Sink, retryable, permanent []models.ReplayDescriptor) {
	if len(retryable) == 0 && len(permanent) == 0 {
		return
	}
	if fs, ok := s.(FailureSink); ok {
		fs.FailedFiles(retryable, permanent)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Progress(string)                    {}
func (Discard) FileProgress(string, *FileProgress) {}
func (Discard) FileDownloadStatus(bool)            {}
func (Discard) ExternalLink(ExternalLink)          {}
func (Discard) MissedCharacterPost(string, string) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Progress(text string) {
	for _, s := range m {
		s.Progress(text)
	}
}

func (m Multi) FileProgress(apiName string, p *FileProgress) {
	for _, s := range m {
		s.FileProgress(apiName, p)
	}
}

func (m Multi) FileDownloadStatus(active bool) {
	for _, s := range m {
		s.FileDownloadStatus(active)
	}
}

func (m Multi) ExternalLink(link ExternalLink) {
	for _, s := range m {
		s.ExternalLink(link)
	}
}

func (m Multi) MissedCharacterPost(postTitle, reason string) {
	for _, s := range m {
		s.MissedCharacterPost(postTitle, reason)
	}
}

func (m Multi) FailedFiles(retryable, permanent []models.ReplayDescriptor) {
	for _, s := range m {
		ReportFailures(s, retryable, permanent)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu          sync.Mutex
	Messages    []string
	Progresses  []FileProgressEvent
	InFlight    int
	MaxInFlight int
	Links       []ExternalLink
	Missed      []MissedPost
	Retryable   []models.ReplayDescriptor
	Permanent   []models.ReplayDescriptor
}

type FileProgressEvent struct {
	APIName  string
	Progress *FileProgress
}

type MissedPost struct {
	Title  string
	Reason string
}

func (r *Recorder) Progress(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, text)
}

func (r *Recorder) FileProgress(apiName string, p *FileProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progresses = append(r.Progresses, FileProgressEvent{APIName: apiName, Progress: p})
}

func (r *Recorder) FileDownloadStatus(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.InFlight++
		if r.InFlight > r.MaxInFlight {
			r.MaxInFlight = r.InFlight
		}
	} else {
		r.InFlight--
	}
}

func (r *Recorder) ExternalLink(link ExternalLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Links = append(r.Links, link)
}

func (r *Recorder) MissedCharacterPost(postTitle, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Missed = append(r.Missed, MissedPost{Title: postTitle, Reason: reason})
}

func (r *Recorder) FailedFiles(retryable, permanent []models.ReplayDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retryable = append(r.Retryable, retryable...)
	r.Permanent = append(r.Permanent, permanent...)
}

// Snapshot returns a copy of the recorded messages.
func (r *Recorder) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Messages))
	copy(out, r.Messages)
	return out
}

// MissedPosts returns a copy of the recorded missed-character posts.
func (r *Recorder) MissedPosts() []MissedPost {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MissedPost, len(r.Missed))
	copy(out, r.Missed)
	return out
}

// ExternalLinks returns a copy of the recorded links.
func (r *Recorder) ExternalLinks() []ExternalLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExternalLink, len(r.Links))
	copy(out, r.Links)
	return out
}

// FileProgressEvents returns a copy of the recorded progress events.
func (r *Recorder) FileProgressEvents() []FileProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileProgressEvent, len(r.Progresses))
	copy(out, r.Progresses)
	return out
}
