package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/downloader"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

type fileJob struct {
	file         models.FileDescriptor
	folders      []string // absolute; the first one receives the download
	headers      http.Header
	filename     string
	keptOriginal bool
	post         models.Post
	index        int
	numFiles     int
}

func (j fileJob) replay(reason string) *models.ReplayDescriptor {
	return &models.ReplayDescriptor{
		File:           j.file,
		TargetFolder:   j.folders[0],
		Headers:        j.headers,
		PostID:         j.post.ID.String(),
		PostTitle:      j.post.Title,
		FileIndex:      j.index,
		NumFilesInPost: j.numFiles,
		ForcedFilename: j.filename,
		Reason:         reason,
	}
}

// Replay repeats one failed download described by d, reusing its stored filename.
func (p *Processor) Replay(ctx context.Context, d models.ReplayDescriptor) FileOutcome {
	name := d.ForcedFilename
	if name == "" {
		name = helpers.CleanFilename(d.File.APIName)
	}
	headers := d.Headers
	if len(headers) == 0 {
		headers = p.headers
	}
	return p.downloadFile(ctx, fileJob{
		file:     d.File,
		folders:  []string{d.TargetFolder},
		headers:  headers,
		filename: name,
		post:     models.Post{ID: models.FlexibleID(d.PostID), Title: d.PostTitle},
		index:    d.FileIndex,
		numFiles: d.NumFilesInPost,
	})
}

func (p *Processor) downloadFile(ctx context.Context, job fileJob) FileOutcome {
	p.sink.FileDownloadStatus(true)
	defer p.sink.FileDownloadStatus(false)

	target := job.folders[0]
	if !helpers.CheckAndMakeDir(target) {
		reason := fmt.Sprintf("%s: cannot create folder %s", downloader.ErrFileSystem, target)
		return FileOutcome{Status: StatusFailedPermanently, Reason: reason, Replay: job.replay(reason)}
	}

	res, err := p.fetchWithRetry(ctx, job, target)
	if err != nil {
		if errors.Is(err, control.ErrCancelled) {
			return FileOutcome{Status: StatusCancelled, Reason: "cancelled"}
		}
		reason := err.Error()
		if downloader.IsIncompleteRead(err) {
			log.WithError(err).Warnf("Giving up on %s for now", job.file.APIName)
			return FileOutcome{Status: StatusFailedRetryableLater, Reason: reason, Replay: job.replay(reason)}
		}
		log.WithError(err).Errorf("Failed to download %s", job.file.APIName)
		return FileOutcome{Status: StatusFailedPermanently, Reason: reason, Replay: job.replay(reason)}
	}

	if p.deps.Dedup != nil && !p.deps.Dedup.ReserveHash(res.Hash) {
		removeQuietly(res.PartPath)
		p.deps.Dedup.AddFilename(job.filename)
		p.sink.Progress(fmt.Sprintf("Skipped %s: hash match", job.filename))
		return FileOutcome{Status: StatusSkipped, Filename: job.filename, Reason: "hash match", Hash: res.Hash}
	}

	outcome := p.place(job, target, res)
	if outcome.Status != StatusSuccess && outcome.Status != StatusSkipped && p.deps.Dedup != nil {
		p.deps.Dedup.ReleaseHash(res.Hash)
	}
	return outcome
}

// fetchWithRetry downloads the file into its .part. Transient errors are retried with a doubling
// backoff; after a failed multi-part attempt the next attempt streams the file in one piece.
func (p *Processor) fetchWithRetry(ctx context.Context, job fileJob, target string) (*downloader.Result, error) {
	multipart := p.cfg.UseMultipart
	delay := p.backoff
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if err := control.Checkpoint(ctx, p.deps.Gate); err != nil {
			return nil, err
		}
		res, err := p.deps.Fetcher.Fetch(ctx, downloader.FileRequest{
			URL:       job.file.URL,
			PartPath:  downloader.NewPartPath(target, job.filename),
			APIName:   job.file.APIName,
			Headers:   job.headers,
			Threads:   p.cfg.FileThreads,
			Multipart: multipart,
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, control.ErrCancelled) {
			return nil, err
		}
		if errors.Is(err, downloader.ErrSegment) {
			multipart = false
		}
		if !downloader.IsRetryable(err) || attempt == MaxRetries {
			break
		}
		log.WithError(err).Warnf("Attempt %d/%d for %s failed, retrying in %s", attempt+1, MaxRetries+1, job.file.APIName, delay)
		if err := p.deps.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, lastErr
}

// place moves the downloaded .part to its final name, compressing and de-colliding on the way,
// and copies it into any extra folders.
func (p *Processor) place(job fileJob, target string, res *downloader.Result) FileOutcome {
	name := job.filename
	var webpData []byte
	if p.cfg.CompressImages {
		data, err := downloader.CompressToWebP(res.PartPath, job.file.APIName)
		if err != nil {
			log.WithError(err).Warnf("Keeping %s uncompressed", name)
		} else if data != nil {
			webpData = data
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".webp"
		}
	}

	p.placeMu.Lock()
	final, existing := p.freeName(target, name, res.Hash)
	if existing {
		p.placeMu.Unlock()
		removeQuietly(res.PartPath)
		if p.deps.Dedup != nil {
			p.deps.Dedup.AddFilename(name)
		}
		p.sink.Progress(fmt.Sprintf("Skipped %s: hash match (existing file)", name))
		return FileOutcome{Status: StatusSkipped, Filename: name, Reason: "hash match (existing file)", Hash: res.Hash}
	}
	finalPath := filepath.Join(target, final)
	var err error
	if webpData != nil {
		err = writeFileAtomic(finalPath, webpData)
		if err == nil {
			removeQuietly(res.PartPath)
		}
	} else {
		err = os.Rename(res.PartPath, finalPath)
	}
	p.placeMu.Unlock()
	if err != nil {
		removeQuietly(res.PartPath)
		err = fmt.Errorf("%w: placing %s: %v", downloader.ErrFileSystem, finalPath, err)
		log.WithError(err).Error("Could not save file")
		return FileOutcome{Status: StatusFailedPermanently, Reason: err.Error(), Replay: job.replay(err.Error())}
	}

	if p.deps.Dedup != nil {
		p.deps.Dedup.AddFilename(final)
	}
	size := res.Size
	if webpData != nil {
		size = int64(len(webpData))
	}
	p.sink.Progress(fmt.Sprintf("Saved %s (%s)", final, helpers.BytesToSize(uint64(size))))
	p.saved(job, finalPath, final, res.Hash, size)

	for _, extra := range job.folders[1:] {
		if !helpers.CheckAndMakeDir(extra) {
			continue
		}
		p.placeMu.Lock()
		copyName, dup := p.freeName(extra, final, res.Hash)
		var cpErr error
		if !dup {
			cpErr = copyFile(finalPath, filepath.Join(extra, copyName))
		}
		p.placeMu.Unlock()
		if cpErr != nil {
			log.WithError(cpErr).Warnf("Could not copy %s into %s", final, extra)
			continue
		}
		if !dup {
			p.saved(job, filepath.Join(extra, copyName), copyName, res.Hash, size)
		}
	}

	return FileOutcome{Status: StatusSuccess, Filename: final, KeptOriginal: job.keptOriginal, Hash: res.Hash}
}

// freeName returns a filename in dir that does not exist yet, adding _1, _2, ... to the base.
// existing is true when dir already holds name with the same content hash. Callers hold placeMu.
func (p *Processor) freeName(dir, name, hash string) (string, bool) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return name, false
	}
	if helpers.CheckHash(path, hash) {
		return name, true
	}
	if p.cfg.MangaMode && p.cfg.MangaFilenameStyle == models.StyleDateBased {
		log.Errorf("Date-based filename %s already exists in %s", name, dir)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		cpath := filepath.Join(dir, candidate)
		if _, err := os.Stat(cpath); err != nil {
			return candidate, false
		}
		if helpers.CheckHash(cpath, hash) {
			return candidate, true
		}
	}
}

func (p *Processor) saved(job fileJob, path, name, hash string, size int64) {
	if p.deps.OnSaved == nil {
		return
	}
	p.deps.OnSaved(SavedFile{
		Path:     path,
		Filename: name,
		APIName:  job.file.APIName,
		Hash:     hash,
		Size:     size,
		PostID:   job.post.ID.String(),
		Title:    job.post.Title,
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warnf("Could not remove %s", path)
	}
}
