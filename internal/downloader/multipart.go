package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type MultipartRequest struct {
	URL      string
	PartPath string
	APIName  string
	Headers  http.Header
	Size     int64
	Parts    int
}

// Segment is an inclusive byte range.
type Segment struct {
	Start int64
	End   int64
}

// SplitRanges divides [0, size) into n contiguous ranges; the last one absorbs the remainder.
func SplitRanges(size int64, n int) []Segment {
	if size <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > size {
		n = int(size)
	}
	step := size / int64(n)
	segs := make([]Segment, n)
	for i := range segs {
		segs[i].Start = int64(i) * step
		segs[i].End = segs[i].Start + step - 1
	}
	segs[n-1].End = size - 1
	return segs
}

// DownloadMultipart fetches the file as req.Parts parallel ranged requests written in place into
// req.PartPath. The first failing segment cancels the others and the .part is removed.
func (d *Downloader) DownloadMultipart(ctx context.Context, req MultipartRequest) (*Result, error) {
	f, err := os.Create(req.PartPath)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrFileSystem, req.PartPath, err)
	}
	if err := f.Truncate(req.Size); err != nil {
		f.Close()
		removePart(req.PartPath)
		return nil, fmt.Errorf("%w: allocating %s: %v", ErrFileSystem, req.PartPath, err)
	}

	var progress helpers.CounterWriter
	stopProgress := make(chan struct{})
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(d.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopProgress:
				return
			case <-ticker.C:
				d.sink.FileProgress(req.APIName, &events.FileProgress{Downloaded: progress.Total(), Total: req.Size})
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range SplitRanges(req.Size, req.Parts) {
		g.Go(func() error {
			if err := d.fetchSegment(gctx, req, f, seg, &progress); err != nil {
				return fmt.Errorf("segment %d (%d-%d): %w", i, seg.Start, seg.End, err)
			}
			return nil
		})
	}
	segErr := g.Wait()
	close(stopProgress)
	<-progressDone
	closeErr := f.Close()

	if segErr != nil {
		removePart(req.PartPath)
		if ctx.Err() != nil {
			return nil, control.Cancelled(ctx)
		}
		log.WithError(segErr).Warnf("Multi-part download of %s failed", req.APIName)
		return nil, fmt.Errorf("%w: %w", ErrSegment, segErr)
	}
	if closeErr != nil {
		removePart(req.PartPath)
		return nil, fmt.Errorf("%w: closing %s: %v", ErrFileSystem, req.PartPath, closeErr)
	}
	d.sink.FileProgress(req.APIName, &events.FileProgress{Downloaded: progress.Total(), Total: req.Size})

	digest, err := helpers.HashFile(req.PartPath)
	if err != nil {
		removePart(req.PartPath)
		return nil, fmt.Errorf("%w: hashing %s: %v", ErrFileSystem, req.PartPath, err)
	}
	return &Result{PartPath: req.PartPath, Size: req.Size, Hash: digest, Multipart: true}, nil
}

func (d *Downloader) fetchSegment(ctx context.Context, req MultipartRequest, f *os.File, seg Segment, progress *helpers.CounterWriter) error {
	if err := control.Checkpoint(ctx, d.gate); err != nil {
		return err
	}
	resp, err := d.get(ctx, req.URL, req.Headers, fmt.Sprintf("bytes=%d-%d", seg.Start, seg.End))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return &StatusError{URL: req.URL, Code: resp.StatusCode}
	}

	buf := make([]byte, 64*1024)
	offset := seg.Start
	for offset <= seg.End {
		if err := control.Checkpoint(ctx, d.gate); err != nil {
			return err
		}
		want := min(int64(len(buf)), seg.End-offset+1)
		n, readErr := io.ReadFull(resp.Body, buf[:want])
		if n > 0 {
			if err := d.throttle(ctx, n); err != nil {
				return err
			}
			if _, err := f.WriteAt(buf[:n], offset); err != nil {
				return fmt.Errorf("%w: writing at %d: %v", ErrFileSystem, offset, err)
			}
			offset += int64(n)
			progress.Add(int64(n))
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return control.Cancelled(ctx)
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteRead, offset-seg.Start, seg.End-seg.Start+1)
			}
			return fmt.Errorf("%w: %w", ErrHttpRequest, readErr)
		}
	}
	return nil
}
