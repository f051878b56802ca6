// Package orchestrator runs a download session: setup, feed iteration, the post worker pool,
// shared dedup state and the manga counters.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/control"
	"go-kemono-download/internal/downloader"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/knownnames"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/processor"
	"go-kemono-download/internal/siteurl"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPostWorkers   = 4
	MaxPostWorkers       = 200
	PostWorkersSoftLimit = 40
	CommentsScopeWorkers = 3
	MaxSinglePostFiles   = 10
)

var ErrInvalidInput = errors.New("invalid input")

// History persists saved file hashes across sessions.
type History interface {
	KnownHashes() ([]string, error)
	Record(entry models.HistoryEntry) error
}

// Indexer receives metadata of every saved file.
type Indexer interface {
	IndexFile(entry models.HistoryEntry, path string) error
}

type Options struct {
	Sink events.Sink
	// APIClient and FileClient default to the api and downloader transports.
	APIClient  *http.Client
	FileClient *http.Client
	History    History
	Index      Indexer
	Registry   *knownnames.Registry
	// RetryDelay overrides the API client's retry delay; used by tests.
	RetryDelay time.Duration
	// Sleep overrides the per-file retry wait; used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Summary aggregates the per-post results of a run.
type Summary struct {
	Posts             int
	Downloaded        int
	Skipped           int
	KeptOriginalNames []string
	Retryable         []models.ReplayDescriptor
	Permanent         []models.ReplayDescriptor
	Cancelled         bool
}

func (s *Summary) add(r processor.Result) {
	s.Posts++
	s.Downloaded += r.Downloaded
	s.Skipped += r.Skipped
	s.KeptOriginalNames = append(s.KeptOriginalNames, r.KeptOriginalNames...)
	s.Retryable = append(s.Retryable, r.Retryable...)
	s.Permanent = append(s.Permanent, r.Permanent...)
	s.Cancelled = s.Cancelled || r.Cancelled
}

type Session struct {
	ID     string
	cfg    models.Config
	target siteurl.Target
	opts   Options
	sink   events.Sink

	cookies map[string]string
	gate    *control.Gate
	dedup   *Dedup
	date    *Counter
	global  *Counter

	client *api.Client
	proc   *processor.Processor

	postWorkers int
	fileWorkers int

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// New validates cfg and prepares a session: URL, cookies, counters and the history seed.
func New(cfg models.Config, opts Options) (*Session, error) {
	target, err := siteurl.ParseURL(cfg.URL, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if cfg.SavePath == "" && cfg.FileFilter != models.FileFilterOnlyLinks {
		return nil, fmt.Errorf("%w: no download folder set", ErrInvalidInput)
	}
	if opts.Sink == nil {
		opts.Sink = events.LogSink{}
	}
	if opts.Registry == nil {
		opts.Registry = knownnames.NewRegistry()
	}

	s := &Session{
		ID:     uuid.NewString(),
		cfg:    cfg,
		target: target,
		opts:   opts,
		sink:   opts.Sink,
		gate:   &control.Gate{},
		dedup:  NewDedup(),
	}

	cookies, source, err := siteurl.ResolveCookies(siteurl.CookieOptions{
		Enabled:      cfg.UseCookie,
		Text:         cfg.CookieText,
		SelectedFile: cfg.SelectedCookieFile,
		BaseDir:      cfg.BaseDir,
		Domain:       target.Domain(),
	})
	if err != nil {
		log.WithError(err).Warn("Cookies are enabled but none were found, continuing without")
	} else if source != siteurl.CookieSourceNone {
		log.Infof("Using cookies from %s", source)
	}
	s.cookies = cookies

	if cfg.MangaMode && !target.IsSinglePost() {
		switch cfg.MangaFilenameStyle {
		case models.StyleDateBased:
			highest, err := ScanHighestNumber(cfg.SavePath, cfg.MangaPrefix)
			if err != nil {
				log.WithError(err).Warnf("Could not scan %s for numbered files", cfg.SavePath)
			}
			s.date = NewCounter(highest + 1)
			log.Infof("Date-based numbering starts at %d", highest+1)
		case models.StylePostTitleGlobalNumbering:
			s.global = NewCounter(1)
		}
	}

	if cfg.UseHistory && opts.History != nil {
		hashes, err := opts.History.KnownHashes()
		if err != nil {
			log.WithError(err).Warn("Could not read download history")
		}
		s.dedup.SeedHashes(hashes)
		log.Debugf("Seeded %d hashes from history", len(hashes))
	}

	s.postWorkers = PostWorkers(cfg, target)
	s.fileWorkers = FileWorkers(cfg, target)

	s.client = api.NewClient(opts.APIClient, cfg)
	if opts.RetryDelay > 0 {
		s.client.RetryDelay = opts.RetryDelay
	}
	dl := downloader.NewDownloader(opts.FileClient, downloader.Options{
		BandwidthLimitKBps: cfg.BandwidthLimitKBps,
		Gate:               s.gate,
		Sink:               s.sink,
	})
	deps := processor.Deps{
		Config:      cfg,
		Target:      target,
		Cookies:     s.cookies,
		Comments:    s.client,
		Fetcher:     dl,
		Sink:        s.sink,
		Gate:        s.gate,
		Registry:    opts.Registry,
		Dedup:       s.dedup,
		FileWorkers: s.fileWorkers,
		OnSaved:     s.recordSaved,
		Sleep:       opts.Sleep,
	}
	if s.date != nil {
		deps.DateCounter = s.date
	}
	if s.global != nil {
		deps.GlobalCounter = s.global
	}
	s.proc = processor.New(deps)
	return s, nil
}

// PostWorkers returns the post worker pool size for cfg.
func PostWorkers(cfg models.Config, target siteurl.Target) int {
	n := cfg.PostWorkers
	if n < 1 {
		n = DefaultPostWorkers
	}
	if n > MaxPostWorkers {
		n = MaxPostWorkers
	}
	if target.IsSinglePost() {
		return 1
	}
	if cfg.MangaMode && (cfg.MangaFilenameStyle == models.StyleDateBased || cfg.MangaFilenameStyle == models.StylePostTitleGlobalNumbering) {
		return 1
	}
	if cfg.FilterScope == models.FilterScopeComments && cfg.CharacterFilter != "" {
		n = min(n, CommentsScopeWorkers)
	}
	if n > PostWorkersSoftLimit {
		log.Warnf("%d post workers is a lot; the site may rate-limit you", n)
	}
	return n
}

// FileWorkers returns how many files of one post are downloaded at once.
func FileWorkers(cfg models.Config, target siteurl.Target) int {
	if !target.IsSinglePost() {
		return 1
	}
	return max(1, min(cfg.FileThreads, MaxSinglePostFiles))
}

func (s *Session) Target() siteurl.Target { return s.target }
func (s *Session) Dedup() *Dedup          { return s.dedup }
func (s *Session) PostWorkerCount() int   { return s.postWorkers }

func (s *Session) Pause() {
	s.gate.Pause()
	s.sink.Progress("Paused")
}

func (s *Session) Resume() {
	s.gate.Resume()
	s.sink.Progress("Resumed")
}

func (s *Session) Paused() bool { return s.gate.Paused() }

// Cancel stops a running Run or Retry, or the next one if none is running.
// Workers stop at their next checkpoint.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancelled = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// a paused session must wake up to notice the cancellation
	s.gate.Resume()
}

func (s *Session) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	if s.cancelled {
		cancel()
	}
	s.mu.Unlock()
	return ctx, cancel
}

// Run walks the feed and processes every post. Only setup-independent feed errors are returned;
// per-file failures are in the Summary.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	log.WithFields(log.Fields{"session": s.ID, "target": s.target.String()}).Info("Starting download")
	if s.postWorkers > 1 {
		log.Infof("Using %d post workers", s.postWorkers)
	}
	stream := api.NewPostStream(s.client, s.target, api.StreamOptions{
		StartPage: s.cfg.StartPage,
		EndPage:   s.cfg.EndPage,
		MangaMode: s.cfg.MangaMode,
		Cookies:   s.cookies,
		PageDelay: time.Duration(s.cfg.PageDelayMs) * time.Millisecond,
		Gate:      s.gate,
	})

	var (
		summary Summary
		sumMu   sync.Mutex
		wg      sync.WaitGroup
	)
	posts := make(chan models.Post, s.postWorkers)
	for w := 1; w <= s.postWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for post := range posts {
				res := s.proc.Process(ctx, post)
				events.ReportFailures(s.sink, res.Retryable, res.Permanent)
				sumMu.Lock()
				summary.add(res)
				sumMu.Unlock()
			}
		}()
	}

	var feedErr error
feed:
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !errors.Is(err, control.ErrCancelled) && ctx.Err() == nil {
				feedErr = err
				s.sink.Progress(feedErrorMessage(err))
			}
			break
		}
		for _, post := range batch {
			select {
			case posts <- post:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(posts)
	wg.Wait()

	summary.Cancelled = summary.Cancelled || ctx.Err() != nil
	s.finish(&summary)
	return summary, feedErr
}

// Retry downloads the files described by descs again, without walking the feed.
func (s *Session) Retry(ctx context.Context, descs []models.ReplayDescriptor) (Summary, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	log.WithField("session", s.ID).Infof("Retrying %d failed file(s)", len(descs))
	var (
		summary Summary
		sumMu   sync.Mutex
		wg      sync.WaitGroup
	)
	jobs := make(chan models.ReplayDescriptor, len(descs))
	workers := max(1, min(len(descs), s.cfg.FileThreads, MaxSinglePostFiles))
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				out := s.proc.Replay(ctx, d)
				sumMu.Lock()
				switch out.Status {
				case processor.StatusSuccess:
					summary.Downloaded++
					if out.KeptOriginal {
						summary.KeptOriginalNames = append(summary.KeptOriginalNames, out.Filename)
					}
				case processor.StatusSkipped:
					summary.Skipped++
				case processor.StatusFailedRetryableLater:
					summary.Retryable = append(summary.Retryable, *out.Replay)
				case processor.StatusFailedPermanently:
					summary.Permanent = append(summary.Permanent, *out.Replay)
				case processor.StatusCancelled:
					summary.Cancelled = true
				}
				sumMu.Unlock()
			}
		}()
	}
	for _, d := range descs {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	events.ReportFailures(s.sink, summary.Retryable, summary.Permanent)
	summary.Cancelled = summary.Cancelled || ctx.Err() != nil
	s.finish(&summary)
	return summary, nil
}

// feedErrorMessage describes a feed failure, naming the DNS problem once when a lookup failed.
func feedErrorMessage(err error) string {
	msg := fmt.Sprintf("Stopped reading the feed: %v", err)
	if api.HasDNSHint(err) && !strings.Contains(msg, api.DNSHint()) {
		msg += " (" + api.DNSHint() + ")"
	}
	return msg
}

func (s *Session) finish(summary *Summary) {
	if s.cfg.FailedDownloadsLog != "" && !summary.Cancelled {
		err := SaveFailures(s.cfg.FailedDownloadsLog, FailedDownloads{
			SessionID: s.ID,
			URL:       s.cfg.URL,
			Retryable: summary.Retryable,
			Permanent: summary.Permanent,
		})
		if err != nil {
			log.WithError(err).Error("Could not save the failed downloads list")
		}
	}
	if summary.Cancelled {
		s.sink.Progress("Cancelled by user")
		return
	}
	failed := len(summary.Retryable) + len(summary.Permanent)
	s.sink.Progress(fmt.Sprintf("Completed: %d downloaded, %d skipped, %d failed", summary.Downloaded, summary.Skipped, failed))
}

func (s *Session) recordSaved(f processor.SavedFile) {
	if s.opts.History == nil && s.opts.Index == nil {
		return
	}
	entry := models.HistoryEntry{
		Hash:      f.Hash,
		Filename:  f.Filename,
		Folder:    filepath.Dir(f.Path),
		PostID:    f.PostID,
		PostTitle: f.Title,
		Service:   s.target.Service,
		UserID:    s.target.UserID,
		Site:      string(s.target.Site),
		SessionID: s.ID,
		SavedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.History != nil && s.cfg.UseHistory {
		if err := s.opts.History.Record(entry); err != nil {
			log.WithError(err).Warnf("Could not record %s in history", f.Filename)
		}
	}
	if s.opts.Index != nil && s.cfg.IndexDownloads {
		if err := s.opts.Index.IndexFile(entry, f.Path); err != nil {
			log.WithError(err).Warnf("Could not index %s", f.Filename)
		}
	}
	log.Debugf("Recorded %s (%s)", f.Filename, helpers.BytesToSize(uint64(f.Size)))
}
