package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/siteurl"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrHttpStatus     = errors.New("unexpected HTTP status code")
	ErrFileSystem     = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest    = errors.New("HTTP request creation/execution error")
	ErrIncompleteRead = errors.New("incomplete read")
	ErrSegment        = errors.New("multi-part segment failed")
	ErrCancelled      = control.ErrCancelled
)

const (
	MinMultipart          = 10 * 1024 * 1024
	MaxParts              = 15
	ChunkSize             = 1024 * 1024
	ConnectTimeout        = 15 * time.Second
	ResponseHeaderTimeout = 300 * time.Second
	PartSuffix            = ".part"
)

// StatusError carries the HTTP status of a failed file request.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: received status %d from %s", ErrHttpStatus, e.Code, e.URL)
}

func (e *StatusError) Unwrap() error { return ErrHttpStatus }

type Options struct {
	BandwidthLimitKBps int
	Gate               *control.Gate
	Sink               events.Sink
	ProgressInterval   time.Duration // defaults to one second
}

// Downloader fetches single files to .part files, either as one stream or as ranged segments.
type Downloader struct {
	client           *http.Client
	limiter          *rate.Limiter
	gate             *control.Gate
	sink             events.Sink
	progressInterval time.Duration
}

// NewHTTPClient returns the client used for file transfers: 15 s connect and 300 s to first response byte.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   ConnectTimeout,
			ResponseHeaderTimeout: ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   MaxParts,
		},
	}
}

func NewDownloader(client *http.Client, opts Options) *Downloader {
	if client == nil {
		client = NewHTTPClient()
	}
	d := &Downloader{
		client:           client,
		gate:             opts.Gate,
		sink:             opts.Sink,
		progressInterval: opts.ProgressInterval,
	}
	if d.sink == nil {
		d.sink = events.Discard{}
	}
	if d.progressInterval <= 0 {
		d.progressInterval = time.Second
	}
	if opts.BandwidthLimitKBps > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimitKBps*1024), ChunkSize)
	}
	return d
}

// FileHeaders builds the request headers for a file download.
func FileHeaders(target siteurl.Target, cookies map[string]string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0")
	h.Set("Accept", "*/*")
	h.Set("Referer", target.Referer())
	if len(cookies) > 0 {
		h.Set("Cookie", siteurl.CookieHeader(cookies))
	}
	return h
}

type FileRequest struct {
	URL       string
	PartPath  string
	APIName   string // identity used in progress events
	Headers   http.Header
	Threads   int
	Multipart bool // allow segmented download when the server supports it
}

type Result struct {
	PartPath  string
	Size      int64
	Hash      string
	Multipart bool
}

// Fetch downloads req.URL into req.PartPath and returns its size and content digest.
// The .part file is removed on any error.
func (d *Downloader) Fetch(ctx context.Context, req FileRequest) (*Result, error) {
	if err := control.Checkpoint(ctx, d.gate); err != nil {
		return nil, err
	}
	if !helpers.CheckAndMakeDir(filepath.Dir(req.PartPath)) {
		return nil, fmt.Errorf("%w: creating directory %s", ErrFileSystem, filepath.Dir(req.PartPath))
	}

	resp, err := d.get(ctx, req.URL, req.Headers, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: req.URL, Code: resp.StatusCode}
	}

	size := resp.ContentLength
	parts := min(req.Threads, MaxParts)
	if req.Multipart && parts >= 2 && size >= MinMultipart && strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") {
		resp.Body.Close()
		log.Debugf("Using %d segments for %s (%s)", parts, req.APIName, helpers.BytesToSize(uint64(size)))
		return d.DownloadMultipart(ctx, MultipartRequest{
			URL:      req.URL,
			PartPath: req.PartPath,
			APIName:  req.APIName,
			Headers:  req.Headers,
			Size:     size,
			Parts:    parts,
		})
	}
	defer resp.Body.Close()

	written, digest, err := d.streamToPart(ctx, resp.Body, req.PartPath, req.APIName, size)
	if err != nil {
		removePart(req.PartPath)
		return nil, err
	}
	if size > 0 && written != size {
		removePart(req.PartPath)
		return nil, fmt.Errorf("%w: got %d of %d bytes for %s", ErrIncompleteRead, written, size, req.APIName)
	}
	return &Result{PartPath: req.PartPath, Size: written, Hash: digest}, nil
}

func (d *Downloader) get(ctx context.Context, url string, headers http.Header, byteRange string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request for %s: %v", ErrHttpRequest, url, err)
	}
	for k, v := range headers {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if byteRange != "" {
		httpReq.Header.Set("Range", byteRange)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, control.Cancelled(ctx)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrHttpRequest, url, err)
	}
	return resp, nil
}

// streamToPart copies body into path in ChunkSize reads, hashing as it goes.
func (d *Downloader) streamToPart(ctx context.Context, body io.Reader, path, apiName string, total int64) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: creating %s: %v", ErrFileSystem, path, err)
	}
	defer f.Close()

	digest := helpers.NewContentHash()
	buf := make([]byte, ChunkSize)
	var written int64
	last := time.Now()
	for {
		if err := control.Checkpoint(ctx, d.gate); err != nil {
			return written, "", err
		}
		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			if err := d.throttle(ctx, n); err != nil {
				return written, "", err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return written, "", fmt.Errorf("%w: writing %s: %v", ErrFileSystem, path, err)
			}
			digest.Write(buf[:n])
			written += int64(n)
			if time.Since(last) >= d.progressInterval {
				last = time.Now()
				d.sink.FileProgress(apiName, &events.FileProgress{Downloaded: written, Total: total})
			}
		}
		// ReadFull reports a short final chunk as ErrUnexpectedEOF.
		if readErr == io.EOF || (readErr == io.ErrUnexpectedEOF && (total < 0 || written == total)) {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return written, "", control.Cancelled(ctx)
			}
			if errors.Is(readErr, io.ErrUnexpectedEOF) {
				return written, "", fmt.Errorf("%w: %s after %d bytes: %w", ErrIncompleteRead, apiName, written, readErr)
			}
			return written, "", fmt.Errorf("%w: reading %s: %w", ErrHttpRequest, apiName, readErr)
		}
	}
	d.sink.FileProgress(apiName, &events.FileProgress{Downloaded: written, Total: total})
	if err := f.Close(); err != nil {
		return written, "", fmt.Errorf("%w: closing %s: %v", ErrFileSystem, path, err)
	}
	return written, helpers.HexDigest(digest), nil
}

func (d *Downloader) throttle(ctx context.Context, n int) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return control.Cancelled(ctx)
		}
		return err
	}
	return nil
}

// NewPartPath returns a .part path in dir for filename that no other download attempt uses.
func NewPartPath(dir, filename string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", filename, uuid.NewString(), PartSuffix))
}

func removePart(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warnf("Failed to remove partial file %s", path)
	}
}

// IsRetryable reports whether a failed attempt may succeed when repeated.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, ErrFileSystem) {
		return false
	}
	// a failed segment is repeated as a single stream whatever its status was
	if errors.Is(err, ErrSegment) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if IsIncompleteRead(err) || errors.Is(err, ErrHttpRequest) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsIncompleteRead reports whether err was caused by a body shorter than announced.
func IsIncompleteRead(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIncompleteRead) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "incomplete read") || strings.Contains(msg, "incompleteread")
}
