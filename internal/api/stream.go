package api

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/siteurl"

	log "github.com/sirupsen/logrus"
)

const DefaultPageDelay = 600 * time.Millisecond

type StreamOptions struct {
	StartPage int // 1-based; 0 means first page
	EndPage   int // inclusive; 0 means no limit
	MangaMode bool
	Cookies   map[string]string
	PageDelay time.Duration
	Gate      *control.Gate
}

// PostStream yields the posts of a target in batches. It is not restartable.
type PostStream struct {
	client  *Client
	target  siteurl.Target
	opts    StreamOptions
	offset  int
	fetched int
	done    bool
	pending [][]models.Post
	sorted  bool
}

func NewPostStream(client *Client, target siteurl.Target, opts StreamOptions) *PostStream {
	s := &PostStream{client: client, target: target, opts: opts}
	if opts.StartPage > 1 && !target.IsSinglePost() {
		s.offset = (opts.StartPage - 1) * PageSize
	}
	return s
}

// Next returns the next batch of posts, or io.EOF when the stream is exhausted.
func (s *PostStream) Next(ctx context.Context) ([]models.Post, error) {
	if err := control.Checkpoint(ctx, s.opts.Gate); err != nil {
		return nil, err
	}
	switch {
	case s.target.IsSinglePost():
		return s.nextSingle(ctx)
	case s.opts.MangaMode:
		return s.nextManga(ctx)
	}
	return s.nextPage(ctx)
}

func (s *PostStream) nextSingle(ctx context.Context) ([]models.Post, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true

	post, err := s.client.FetchPost(ctx, s.target, s.opts.Cookies)
	switch {
	case errors.Is(err, ErrCancelled):
		return nil, err
	case err != nil:
		log.WithError(err).Warnf("Direct fetch of post %s failed, searching the creator feed instead", s.target.PostID)
	case post.ID.String() != s.target.PostID:
		log.Warnf("Direct fetch of post %s returned post %s, searching the creator feed instead", s.target.PostID, post.ID)
	default:
		return []models.Post{*post}, nil
	}

	for {
		page, err := s.fetchNextPage(ctx)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			log.Warnf("Post %s not found in the feed of %s", s.target.PostID, s.target)
			return nil, io.EOF
		}
		for _, p := range page {
			if p.ID.String() == s.target.PostID {
				return []models.Post{p}, nil
			}
		}
	}
}

func (s *PostStream) nextPage(ctx context.Context) ([]models.Post, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.opts.EndPage > 0 && s.offset/PageSize+1 > s.opts.EndPage {
		s.done = true
		return nil, io.EOF
	}
	page, err := s.fetchNextPage(ctx)
	if err != nil {
		s.done = true
		return nil, err
	}
	if len(page) == 0 {
		s.done = true
		return nil, io.EOF
	}
	return page, nil
}

// nextManga gathers every page in range, orders the posts oldest first and re-batches them.
func (s *PostStream) nextManga(ctx context.Context) ([]models.Post, error) {
	if !s.sorted {
		var all []models.Post
		for {
			page, err := s.nextPage(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			all = append(all, page...)
		}
		SortOldestFirst(all)
		for len(all) > 0 {
			n := min(PageSize, len(all))
			s.pending = append(s.pending, all[:n])
			all = all[n:]
		}
		s.sorted = true
		log.Infof("Collected %d batches for oldest-first processing", len(s.pending))
	}
	if len(s.pending) == 0 {
		return nil, io.EOF
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	return batch, nil
}

func (s *PostStream) fetchNextPage(ctx context.Context) ([]models.Post, error) {
	if s.fetched > 0 {
		if err := s.sleep(ctx); err != nil {
			return nil, err
		}
	}
	log.Debugf("Fetching %s page at offset %d", s.target, s.offset)
	page, err := s.client.FetchPage(ctx, s.target, s.offset, s.opts.Cookies)
	s.fetched++
	if err != nil {
		return nil, err
	}
	s.offset += PageSize
	return page, nil
}

func (s *PostStream) sleep(ctx context.Context) error {
	if err := control.Checkpoint(ctx, s.opts.Gate); err != nil {
		return err
	}
	if s.opts.PageDelay > 0 {
		timer := time.NewTimer(s.opts.PageDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return control.Cancelled(ctx)
		case <-timer.C:
		}
	}
	return control.Checkpoint(ctx, s.opts.Gate)
}

// SortOldestFirst orders posts by (published ?? added ?? zero date, numeric id).
func SortOldestFirst(posts []models.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		di, dj := posts[i].SortDate(), posts[j].SortDate()
		if di != dj {
			return di < dj
		}
		return posts[i].ID.Numeric() < posts[j].ID.Numeric()
	})
}
