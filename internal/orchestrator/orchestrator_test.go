package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/siteurl"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedup(t *testing.T) {
	d := NewDedup()
	assert.True(t, d.ReserveHash("a"))
	assert.False(t, d.ReserveHash("a"))
	d.ReleaseHash("a")
	assert.False(t, d.HasHash("a"))
	assert.True(t, d.ReserveHash("a"))

	d.SeedHashes([]string{"b", "c"})
	assert.Equal(t, 3, d.HashCount())
	assert.False(t, d.ReserveHash("c"))

	d.AddFilename("x.png")
	d.AddFilename("x.png")
	assert.True(t, d.HasFilename("x.png"))
	assert.Equal(t, 1, d.FilenameCount())
}

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter(5)
	var wg sync.WaitGroup
	seen := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Next()
		}()
	}
	wg.Wait()
	close(seen)
	got := map[int]bool{}
	for n := range seen {
		assert.False(t, got[n], "duplicate %d", n)
		got[n] = true
	}
	assert.Len(t, got, 100)
	assert.Equal(t, 105, c.Peek())
}

func TestScanHighestNumber(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{
		"MySeries 004.png",
		"MySeries 010.jpg.part",
		"sub/007 bonus.png",
		"other 099.png",
		"notes.txt",
	} {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}

	tests := []struct {
		name   string
		root   string
		prefix string
		want   int
	}{
		{"With prefix", root, "MySeries", 7},
		{"Without prefix", root, "", 7},
		{"Missing root", filepath.Join(root, "nope"), "MySeries", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScanHighestNumber(tt.root, tt.prefix)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFailuresRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "failed.json")
	f := FailedDownloads{
		SessionID: "s1",
		URL:       "https://kemono.su/patreon/user/1",
		Retryable: []models.ReplayDescriptor{{PostID: "1", ForcedFilename: "a.png"}},
		Permanent: []models.ReplayDescriptor{{PostID: "2", ForcedFilename: "b.png", Reason: "HTTP 404"}},
	}
	require.NoError(t, SaveFailures(path, f))

	got, err := LoadFailures(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	require.Len(t, got.All(), 2)
	assert.Equal(t, "a.png", got.All()[0].ForcedFilename)
	assert.Equal(t, "HTTP 404", got.Permanent[0].Reason)

	require.NoError(t, SaveFailures(path, FailedDownloads{}))
	assert.NoFileExists(t, path)
	require.NoError(t, SaveFailures(path, FailedDownloads{}))
}

func TestPostWorkers(t *testing.T) {
	feed := siteurl.Target{Service: "patreon", UserID: "1"}
	single := siteurl.Target{Service: "patreon", UserID: "1", PostID: "2"}
	tests := []struct {
		name   string
		cfg    models.Config
		target siteurl.Target
		want   int
	}{
		{"Default", models.Config{}, feed, DefaultPostWorkers},
		{"Configured", models.Config{PostWorkers: 12}, feed, 12},
		{"Clamped", models.Config{PostWorkers: 500}, feed, MaxPostWorkers},
		{"Single post", models.Config{PostWorkers: 12}, single, 1},
		{"Date based", models.Config{PostWorkers: 12, MangaMode: true, MangaFilenameStyle: models.StyleDateBased}, feed, 1},
		{"Global numbering", models.Config{PostWorkers: 12, MangaMode: true, MangaFilenameStyle: models.StylePostTitleGlobalNumbering}, feed, 1},
		{"Manga original names", models.Config{PostWorkers: 12, MangaMode: true, MangaFilenameStyle: models.StyleOriginalName}, feed, 12},
		{"Comments scope", models.Config{PostWorkers: 12, FilterScope: models.FilterScopeComments, CharacterFilter: "Tifa"}, feed, CommentsScopeWorkers},
		{"Comments scope without filter", models.Config{PostWorkers: 12, FilterScope: models.FilterScopeComments}, feed, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PostWorkers(tt.cfg, tt.target))
		})
	}
}

func TestFileWorkers(t *testing.T) {
	feed := siteurl.Target{Service: "patreon", UserID: "1"}
	single := siteurl.Target{Service: "patreon", UserID: "1", PostID: "2"}
	assert.Equal(t, 1, FileWorkers(models.Config{FileThreads: 8}, feed))
	assert.Equal(t, 8, FileWorkers(models.Config{FileThreads: 8}, single))
	assert.Equal(t, MaxSinglePostFiles, FileWorkers(models.Config{FileThreads: 50}, single))
	assert.Equal(t, 1, FileWorkers(models.Config{}, single))
}

// fakeSite serves a creator feed of pages under /api/v1 and file bodies under /data.
type fakeSite struct {
	mu    sync.Mutex
	pages [][]models.Post
	files map[string][]byte
	hits  map[string]int
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.URL.Path]++
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/v1/"):
		offset, _ := strconv.Atoi(r.URL.Query().Get("o"))
		page := []models.Post{}
		if i := offset / 50; i < len(f.pages) {
			page = f.pages[i]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	case strings.HasPrefix(r.URL.Path, "/data/"):
		data, ok := f.files[strings.TrimPrefix(r.URL.Path, "/data")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeSite) setFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

// newFakeSite builds pages*perPage posts, newest first, each with one attachment /N/pN.png.
func newFakeSite(t *testing.T, pages, perPage int) (*fakeSite, *httptest.Server) {
	t.Helper()
	site := &fakeSite{files: map[string][]byte{}, hits: map[string]int{}}
	n := pages * perPage
	for p := 0; p < pages; p++ {
		var page []models.Post
		for i := 0; i < perPage; i++ {
			id := n - p*perPage - i
			name := fmt.Sprintf("p%d.png", id)
			path := fmt.Sprintf("/%d/%s", id, name)
			site.files[path] = []byte(fmt.Sprintf("content of post %d", id))
			page = append(page, models.Post{
				ID:          models.FlexibleID(strconv.Itoa(id)),
				Title:       fmt.Sprintf("Chapter %d", id),
				Published:   fmt.Sprintf("2024-01-%02dT00:00:00", id),
				Attachments: []models.PostFile{{Name: name, Path: path}},
			})
		}
		site.pages = append(site.pages, page)
	}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)
	return site, srv
}

type memHistory struct {
	mu      sync.Mutex
	known   []string
	records []models.HistoryEntry
}

func (h *memHistory) KnownHashes() ([]string, error) { return h.known, nil }

func (h *memHistory) Record(e models.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, e)
	return nil
}

type memIndex struct {
	mu    sync.Mutex
	paths []string
}

func (i *memIndex) IndexFile(_ models.HistoryEntry, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paths = append(i.paths, path)
	return nil
}

func newSession(t *testing.T, srv *httptest.Server, cfg models.Config, opts Options) (*Session, *events.Recorder) {
	t.Helper()
	cfg.URL = srv.URL + "/patreon/user/1"
	if cfg.SavePath == "" {
		cfg.SavePath = t.TempDir()
	}
	if cfg.FileFilter == "" {
		cfg.FileFilter = models.FileFilterAll
	}
	if cfg.FilterScope == "" {
		cfg.FilterScope = models.FilterScopeTitle
	}
	sink := &events.Recorder{}
	opts.Sink = sink
	opts.APIClient = srv.Client()
	opts.FileClient = srv.Client()
	opts.RetryDelay = time.Millisecond
	opts.Sleep = func(context.Context, time.Duration) error { return nil }
	s, err := New(cfg, opts)
	require.NoError(t, err)
	return s, sink
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(models.Config{URL: "https://kemono.su/nothing-here"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(models.Config{URL: "https://kemono.su/patreon/user/1"}, Options{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	s, err := New(models.Config{URL: "https://kemono.su/patreon/user/1", FileFilter: models.FileFilterOnlyLinks}, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
}

func TestRunMangaDateBased(t *testing.T) {
	site, srv := newFakeSite(t, 3, 2)
	cfg := models.Config{MangaMode: true, MangaFilenameStyle: models.StyleDateBased, MangaPrefix: "MySeries", PostWorkers: 8}
	s, sink := newSession(t, srv, cfg, Options{})
	assert.Equal(t, 1, s.PostWorkerCount())

	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Posts)
	assert.Equal(t, 6, sum.Downloaded)
	assert.False(t, sum.Cancelled)

	for i := 1; i <= 6; i++ {
		got, err := os.ReadFile(filepath.Join(s.cfg.SavePath, fmt.Sprintf("MySeries %03d.png", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("content of post %d", i), string(got))
	}
	// three pages plus the empty one that ends the feed
	assert.Equal(t, 4, site.hits["/api/v1/patreon/user/1"])
	assert.Contains(t, sink.Snapshot(), "Completed: 6 downloaded, 0 skipped, 0 failed")
}

func TestRunGlobalNumbering(t *testing.T) {
	site, srv := newFakeSite(t, 2, 2)
	site.mu.Lock()
	for p := range site.pages {
		for i := range site.pages[p] {
			post := &site.pages[p][i]
			for k := 2; k <= 3; k++ {
				name := fmt.Sprintf("extra%d.png", k)
				path := fmt.Sprintf("/%s/%s", post.ID.String(), name)
				site.files[path] = []byte(fmt.Sprintf("post %s file %d", post.ID.String(), k))
				post.Attachments = append(post.Attachments, models.PostFile{Name: name, Path: path})
			}
		}
	}
	site.mu.Unlock()

	cfg := models.Config{MangaMode: true, MangaFilenameStyle: models.StylePostTitleGlobalNumbering, PostWorkers: 4}
	s, _ := newSession(t, srv, cfg, Options{})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, sum.Downloaded)

	entries, err := os.ReadDir(s.cfg.SavePath)
	require.NoError(t, err)
	re := regexp.MustCompile(`^Chapter (\d+)_(\d{3})\.png$`)
	var numbers []int
	perPost := map[int][]int{}
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		post, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[2])
		numbers = append(numbers, n)
		perPost[post] = append(perPost[post], n)
	}
	sort.Ints(numbers)
	want := make([]int, 12)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, numbers)

	// oldest post first, each post taking a contiguous block
	for post := 1; post <= 4; post++ {
		got := perPost[post]
		sort.Ints(got)
		assert.Equal(t, []int{3*post - 2, 3*post - 1, 3 * post}, got, "Chapter %d", post)
	}
}

func TestFeedErrorMessage(t *testing.T) {
	lookup := &net.DNSError{Err: "no such host", Name: "kemono.invalid", IsNotFound: true}
	tests := []struct {
		name      string
		err       error
		wantHints int
	}{
		{"Transport error already names the DNS problem", &api.TransportError{URL: "https://kemono.invalid/api", DNSHint: true, Err: lookup}, 1},
		{"Wrapped lookup error gets the hint", fmt.Errorf("fetching page: %w", lookup), 1},
		{"Other errors get no hint", errors.New("boom"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := feedErrorMessage(tt.err)
			assert.True(t, strings.HasPrefix(msg, "Stopped reading the feed: "))
			assert.Equal(t, tt.wantHints, strings.Count(msg, api.DNSHint()))
		})
	}
}

func TestRunDateBasedContinuesNumbering(t *testing.T) {
	_, srv := newFakeSite(t, 1, 2)
	save := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(save, "MySeries 004.png"), []byte("old"), 0644))

	cfg := models.Config{SavePath: save, MangaMode: true, MangaFilenameStyle: models.StyleDateBased, MangaPrefix: "MySeries"}
	s, _ := newSession(t, srv, cfg, Options{})
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(save, "MySeries 005.png"))
	assert.FileExists(t, filepath.Join(save, "MySeries 006.png"))
}

func TestRunCrossPostDedup(t *testing.T) {
	site, srv := newFakeSite(t, 1, 3)
	site.setFile("/2/p2.png", []byte("content of post 1"))

	s, _ := newSession(t, srv, models.Config{PostWorkers: 3}, Options{})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 2, s.Dedup().HashCount())
}

func TestRunHistoryAndIndex(t *testing.T) {
	_, srv := newFakeSite(t, 1, 2)
	known, err := helpers.HashReader(strings.NewReader("content of post 1"))
	require.NoError(t, err)
	history := &memHistory{known: []string{known}}
	index := &memIndex{}

	cfg := models.Config{UseHistory: true, IndexDownloads: true}
	s, _ := newSession(t, srv, cfg, Options{History: history, Index: index})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, history.records, 1)
	rec := history.records[0]
	assert.Equal(t, "2", rec.PostID)
	assert.Equal(t, "p2.png", rec.Filename)
	assert.Equal(t, s.ID, rec.SessionID)
	assert.Equal(t, "patreon", rec.Service)
	assert.Equal(t, []string{filepath.Join(s.cfg.SavePath, "p2.png")}, index.paths)
}

func TestRunSavesFailuresAndRetry(t *testing.T) {
	site, srv := newFakeSite(t, 1, 2)
	site.mu.Lock()
	delete(site.files, "/2/p2.png")
	site.mu.Unlock()

	logPath := filepath.Join(t.TempDir(), "failed.json")
	cfg := models.Config{FailedDownloadsLog: logPath}
	s, _ := newSession(t, srv, cfg, Options{})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Downloaded)
	require.Len(t, sum.Permanent, 1)

	saved, err := LoadFailures(logPath)
	require.NoError(t, err)
	assert.Equal(t, s.ID, saved.SessionID)
	require.Len(t, saved.All(), 1)
	assert.Equal(t, "p2.png", saved.All()[0].ForcedFilename)

	site.setFile("/2/p2.png", []byte("late content"))
	retrySum, err := s.Retry(context.Background(), saved.All())
	require.NoError(t, err)
	assert.Equal(t, 1, retrySum.Downloaded)
	assert.Empty(t, retrySum.Permanent)
	assert.FileExists(t, filepath.Join(s.cfg.SavePath, "p2.png"))
	assert.NoFileExists(t, logPath)
}

func TestRunCancelWhilePaused(t *testing.T) {
	_, srv := newFakeSite(t, 2, 2)
	s, sink := newSession(t, srv, models.Config{}, Options{})
	s.Pause()
	assert.True(t, s.Paused())

	done := make(chan Summary, 1)
	go func() {
		sum, _ := s.Run(context.Background())
		done <- sum
	}()
	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	select {
	case sum := <-done:
		assert.True(t, sum.Cancelled)
		assert.Zero(t, sum.Downloaded)
		assert.Contains(t, sink.Snapshot(), "Cancelled by user")
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestRunPauseResume(t *testing.T) {
	_, srv := newFakeSite(t, 1, 2)
	s, _ := newSession(t, srv, models.Config{}, Options{})
	s.Pause()

	done := make(chan Summary, 1)
	go func() {
		sum, _ := s.Run(context.Background())
		done <- sum
	}()
	select {
	case <-done:
		t.Fatal("run finished while paused")
	case <-time.After(50 * time.Millisecond):
	}
	s.Resume()
	select {
	case sum := <-done:
		assert.Equal(t, 2, sum.Downloaded)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume")
	}
}
