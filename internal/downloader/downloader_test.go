package downloader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

// fileServer serves data with Range support; rangeRequests counts requests carrying a Range header.
type fileServer struct {
	data          []byte
	noRanges      bool
	failRangeFrom int64 // when > 0, ranged requests starting here return 500
	rangeStatus   int   // when set, every ranged request gets this status
	rangeRequests atomic.Int32
}

func (fs *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Referer") == "" {
		http.Error(w, "missing referer", http.StatusForbidden)
		return
	}
	if rg := r.Header.Get("Range"); rg != "" {
		fs.rangeRequests.Add(1)
		if fs.rangeStatus != 0 {
			http.Error(w, "no ranges", fs.rangeStatus)
			return
		}
		if fs.failRangeFrom > 0 && strings.HasPrefix(rg, "bytes="+strconv.FormatInt(fs.failRangeFrom, 10)+"-") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
	}
	if fs.noRanges {
		w.Header().Set("Content-Length", strconv.Itoa(len(fs.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(fs.data)
		return
	}
	http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(fs.data))
}

func testHeaders() http.Header {
	h := http.Header{}
	h.Set("Referer", "https://kemono.su/")
	return h
}

func newTestDownloader(srv *httptest.Server, sink events.Sink) *Downloader {
	return NewDownloader(srv.Client(), Options{Sink: sink, ProgressInterval: time.Millisecond})
}

func TestFetchSingleStream(t *testing.T) {
	data := randomBytes(3*ChunkSize + 123)
	srv := httptest.NewServer(&fileServer{data: data})
	defer srv.Close()

	rec := &events.Recorder{}
	part := filepath.Join(t.TempDir(), "sub", "a.bin.part")
	res, err := newTestDownloader(srv, rec).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/data/a.bin", PartPath: part, APIName: "a.bin", Headers: testHeaders(), Threads: 4, Multipart: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Multipart, "below the multi-part threshold")
	assert.EqualValues(t, len(data), res.Size)

	want, err := helpers.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want, res.Hash)

	got, err := os.ReadFile(part)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	progress := rec.FileProgressEvents()
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.EqualValues(t, len(data), last.Progress.Downloaded)
}

func TestFetchMultipart(t *testing.T) {
	data := randomBytes(MinMultipart + 4321)
	fs := &fileServer{data: data}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	part := filepath.Join(t.TempDir(), "video.mp4.part")
	res, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/data/video.mp4", PartPath: part, APIName: "video.mp4", Headers: testHeaders(), Threads: 5, Multipart: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.EqualValues(t, 5, fs.rangeRequests.Load())

	want, err := helpers.HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, want, res.Hash)
	got, err := os.ReadFile(part)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestFetchMultipartThresholds(t *testing.T) {
	tests := []struct {
		name          string
		size          int
		noRanges      bool
		threads       int
		multipart     bool
		wantMultipart bool
	}{
		{"One byte below threshold", MinMultipart - 1, false, 4, true, false},
		{"Exactly at threshold", MinMultipart, false, 4, true, true},
		{"No Accept-Ranges", MinMultipart + 1, true, 4, true, false},
		{"Single thread", MinMultipart + 1, false, 1, true, false},
		{"Multi-part disabled", MinMultipart + 1, false, 4, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(tt.size)
			srv := httptest.NewServer(&fileServer{data: data, noRanges: tt.noRanges})
			defer srv.Close()

			part := filepath.Join(t.TempDir(), "f.part")
			res, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
				URL: srv.URL + "/f", PartPath: part, APIName: "f", Headers: testHeaders(), Threads: tt.threads, Multipart: tt.multipart,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantMultipart, res.Multipart)
			assert.EqualValues(t, tt.size, res.Size)
		})
	}
}

func TestFetchMultipartSegmentFailure(t *testing.T) {
	data := randomBytes(MinMultipart)
	step := int64(len(data) / 3)
	srv := httptest.NewServer(&fileServer{data: data, failRangeFrom: step})
	defer srv.Close()

	part := filepath.Join(t.TempDir(), "f.part")
	_, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/f", PartPath: part, APIName: "f", Headers: testHeaders(), Threads: 3, Multipart: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSegment)
	assert.True(t, IsRetryable(err))
	assert.NoFileExists(t, part)
}

func TestFetchMultipartRangeRejected(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(&fileServer{data: randomBytes(MinMultipart), rangeStatus: code})
			defer srv.Close()

			part := filepath.Join(t.TempDir(), "f.part")
			_, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
				URL: srv.URL + "/f", PartPath: part, APIName: "f", Headers: testHeaders(), Threads: 4, Multipart: true,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSegment)
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, code, se.Code)
			assert.True(t, IsRetryable(err), "a rejected segment must allow a single-stream retry")
			assert.NoFileExists(t, part)
		})
	}
}

func TestNewPartPath(t *testing.T) {
	dir := t.TempDir()
	a, b := NewPartPath(dir, "1.png"), NewPartPath(dir, "1.png")
	assert.NotEqual(t, a, b)
	for _, p := range []string{a, b} {
		assert.Equal(t, dir, filepath.Dir(p))
		assert.True(t, strings.HasPrefix(filepath.Base(p), "1.png."))
		assert.True(t, strings.HasSuffix(p, PartSuffix))
	}
}

func TestFetchZeroLength(t *testing.T) {
	srv := httptest.NewServer(&fileServer{data: []byte{}})
	defer srv.Close()

	part := filepath.Join(t.TempDir(), "empty.part")
	res, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/e", PartPath: part, APIName: "empty", Headers: testHeaders(), Threads: 4, Multipart: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Size)
	assert.FileExists(t, part)
}

func TestFetchIncompleteRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(randomBytes(400))
	}))
	defer srv.Close()

	part := filepath.Join(t.TempDir(), "short.part")
	_, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/s", PartPath: part, APIName: "short", Headers: testHeaders(),
	})
	require.Error(t, err)
	assert.True(t, IsIncompleteRead(err), "got %v", err)
	assert.True(t, IsRetryable(err))
	assert.NoFileExists(t, part)
}

func TestFetchStatusErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			_, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
				URL: srv.URL + "/x", PartPath: filepath.Join(t.TempDir(), "x.part"), APIName: "x", Headers: testHeaders(),
			})
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.ErrorIs(t, err, ErrHttpStatus)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(&fileServer{data: randomBytes(1024)})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestDownloader(srv, nil).Fetch(ctx, FileRequest{
		URL: srv.URL + "/x", PartPath: filepath.Join(t.TempDir(), "x.part"), APIName: "x", Headers: testHeaders(),
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, IsRetryable(err))
}

func TestSplitRanges(t *testing.T) {
	segs := SplitRanges(103, 5)
	require.Len(t, segs, 5)
	assert.Equal(t, Segment{0, 19}, segs[0])
	assert.Equal(t, Segment{80, 102}, segs[4])
	var total int64
	for i, s := range segs {
		if i > 0 {
			assert.Equal(t, segs[i-1].End+1, s.Start)
		}
		total += s.End - s.Start + 1
	}
	assert.EqualValues(t, 103, total)

	assert.Len(t, SplitRanges(3, 15), 3)
	assert.Nil(t, SplitRanges(0, 4))
}

func TestPartsCappedAtMax(t *testing.T) {
	data := randomBytes(MinMultipart)
	fs := &fileServer{data: data}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	res, err := newTestDownloader(srv, nil).Fetch(context.Background(), FileRequest{
		URL: srv.URL + "/f", PartPath: filepath.Join(t.TempDir(), "f.part"), APIName: "f", Headers: testHeaders(), Threads: MaxParts + 1, Multipart: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.EqualValues(t, MaxParts, fs.rangeRequests.Load())
}

func TestIsIncompleteReadMessageFallback(t *testing.T) {
	assert.True(t, IsIncompleteRead(errors.New("IncompleteRead(100 bytes read)")))
	assert.False(t, IsIncompleteRead(errors.New("connection refused")))
	assert.False(t, IsIncompleteRead(nil))
}

func TestCompressToWebP(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.part")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0644))
	out, err := CompressToWebP(small, "small.png")
	require.NoError(t, err)
	assert.Nil(t, out)

	notImage := filepath.Join(dir, "big.part")
	require.NoError(t, os.WriteFile(notImage, randomBytes(CompressThreshold+1), 0644))
	out, err = CompressToWebP(notImage, "big.zip")
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = CompressToWebP(notImage, "big.png")
	assert.Error(t, err, "undecodable image")
	assert.Nil(t, out)

	img := image.NewRGBA(image.Rect(0, 0, 1000, 1000))
	rng := rand.New(rand.NewSource(1))
	for y := 0; y < 1000; y++ {
		for x := 0; x < 1000; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Greater(t, buf.Len(), CompressThreshold)
	noisy := filepath.Join(dir, "noisy.part")
	require.NoError(t, os.WriteFile(noisy, buf.Bytes(), 0644))

	out, err = CompressToWebP(noisy, "noisy.png")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Less(t, len(out), buf.Len()*9/10)
}
