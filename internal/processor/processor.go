// Package processor runs one post end to end: filtering, folder and filename selection,
// and the per-file downloads.
package processor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/downloader"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/knownnames"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/siteurl"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GenericFolder is used when a post gives nothing to name its folder after.
const GenericFolder = "Generic Post Content"

// MaxRetries is the number of extra attempts per file after the first one.
const MaxRetries = 3

type Status int

const (
	StatusSuccess Status = iota
	StatusSkipped
	StatusFailedRetryableLater
	StatusFailedPermanently
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailedRetryableLater:
		return "failed (retry later)"
	case StatusFailedPermanently:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// FileOutcome is the result of one file.
type FileOutcome struct {
	Status       Status
	Filename     string
	KeptOriginal bool
	Reason       string
	Hash         string
	Replay       *models.ReplayDescriptor
}

// Result is the per-post summary.
type Result struct {
	Downloaded        int
	Skipped           int
	KeptOriginalNames []string
	Retryable         []models.ReplayDescriptor
	Permanent         []models.ReplayDescriptor
	Cancelled         bool
}

// Dedup is the session-wide duplicate state. ReserveHash returns false when digest is
// already known; otherwise it records digest until ReleaseHash is called.
type Dedup interface {
	ReserveHash(digest string) bool
	ReleaseHash(digest string)
	AddFilename(name string)
}

// Counter hands out the next number of a manga numbering sequence.
type Counter interface {
	Next() int
}

// CommentsFetcher is the part of the API client the comments filter scope needs.
type CommentsFetcher interface {
	FetchComments(ctx context.Context, target siteurl.Target, postID string, cookies map[string]string) ([]models.Comment, error)
}

// FileFetcher downloads one file into its .part path.
type FileFetcher interface {
	Fetch(ctx context.Context, req downloader.FileRequest) (*downloader.Result, error)
}

// SavedFile is passed to Deps.OnSaved for every file written.
type SavedFile struct {
	Path     string
	Filename string
	APIName  string
	Hash     string
	Size     int64
	PostID   string
	Title    string
}

type Deps struct {
	Config        models.Config
	Target        siteurl.Target
	Cookies       map[string]string
	Comments      CommentsFetcher
	Fetcher       FileFetcher
	Sink          events.Sink
	Gate          *control.Gate
	Registry      *knownnames.Registry
	Dedup         Dedup
	DateCounter   Counter
	GlobalCounter Counter
	// FileWorkers is the number of files of one post downloaded at the same time.
	FileWorkers int
	// OnSaved, when set, is called after each file is in place.
	OnSaved func(SavedFile)
	// Sleep waits between retries; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Processor struct {
	deps    Deps
	cfg     models.Config
	filters []helpers.CharacterFilter
	headers http.Header
	sink    events.Sink
	backoff time.Duration

	// placeMu serializes collision checks and renames across concurrent posts.
	placeMu sync.Mutex
}

func New(deps Deps) *Processor {
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}
	if deps.Registry == nil {
		deps.Registry = knownnames.NewRegistry()
	}
	if deps.FileWorkers < 1 {
		deps.FileWorkers = 1
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Processor{
		deps:    deps,
		cfg:     deps.Config,
		filters: helpers.ParseCharacterFilters(deps.Config.CharacterFilter),
		headers: downloader.FileHeaders(deps.Target, deps.Cookies),
		sink:    deps.Sink,
		backoff: time.Duration(deps.Config.RetryBackoffSec) * time.Second,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return control.Cancelled(ctx)
	case <-t.C:
		return nil
	}
}

// Process runs one post. It never returns an error; failures are reported in the Result.
func (p *Processor) Process(ctx context.Context, post models.Post) Result {
	if err := control.Checkpoint(ctx, p.deps.Gate); err != nil {
		return Result{Cancelled: true}
	}
	title := post.Title
	files := p.assembleFiles(post)

	match, ok := p.evaluateCharacterFilter(ctx, post, files)
	if !ok {
		return Result{Skipped: len(files)}
	}

	if p.skipWordsApply(models.SkipScopePosts) {
		if w, hit := containsSkipWord(title, p.cfg.SkipWords); hit {
			p.sink.Progress("Skipping post '" + title + "': title contains skip word '" + w + "'")
			return Result{Skipped: len(files)}
		}
	}

	if p.cfg.ShowExternalLinks || p.cfg.FileFilter == models.FileFilterOnlyLinks {
		p.emitExternalLinks(post)
		if p.cfg.FileFilter == models.FileFilterOnlyLinks {
			return Result{}
		}
	}

	if len(files) == 0 {
		log.Debugf("Post %s '%s' has no files", post.ID, title)
		return Result{}
	}

	folders := p.selectFolders(post, files, match)
	if p.skipWordsApply(models.SkipScopeFiles) {
		for _, f := range folders {
			if w, hit := containsSkipWord(f, p.cfg.SkipWords); hit {
				p.sink.Progress("Skipping post '" + title + "': folder '" + f + "' contains skip word '" + w + "'")
				return Result{Skipped: len(files)}
			}
		}
	}

	if p.cfg.MangaMode && p.cfg.MangaFilenameStyle == models.StyleDateBased {
		sortNatural(files)
	}

	targets := make([]string, len(folders))
	for i, f := range folders {
		targets[i] = joinUnder(p.cfg.SavePath, f)
	}

	var res Result
	var jobs []fileJob
	for i, file := range files {
		if err := control.Checkpoint(ctx, p.deps.Gate); err != nil {
			res.Cancelled = true
			break
		}
		if reason, skip := p.fileFilterReason(file, match); skip {
			log.Debugf("Skipping %s: %s", file.APIName, reason)
			res.Skipped++
			continue
		}
		name, kept := p.NameFile(NameContext{
			APIName:   file.APIName,
			PostTitle: title,
			FileIndex: i,
			NumFiles:  len(files),
		})
		name = helpers.RemoveWords(name, p.cfg.RemoveFromFilename)
		jobs = append(jobs, fileJob{
			file:         file,
			folders:      targets,
			headers:      p.headers,
			filename:     name,
			keptOriginal: kept,
			post:         post,
			index:        i,
			numFiles:     len(files),
		})
	}

	if len(jobs) > 0 {
		p.sink.Progress(formatPostStart(post, len(jobs), folders))
	}
	outcomes := make([]FileOutcome, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(p.deps.FileWorkers)
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = p.downloadFile(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			res.Downloaded++
			if o.KeptOriginal {
				res.KeptOriginalNames = append(res.KeptOriginalNames, o.Filename)
			}
		case StatusSkipped:
			res.Skipped++
		case StatusFailedRetryableLater:
			res.Retryable = append(res.Retryable, *o.Replay)
		case StatusFailedPermanently:
			res.Permanent = append(res.Permanent, *o.Replay)
		case StatusCancelled:
			res.Cancelled = true
		}
	}
	p.sink.FileProgress("", nil)
	return res
}

func (p *Processor) skipWordsApply(scope string) bool {
	if len(p.cfg.SkipWords) == 0 {
		return false
	}
	return p.cfg.SkipWordsScope == scope || p.cfg.SkipWordsScope == models.SkipScopeBoth
}
