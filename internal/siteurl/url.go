// Package siteurl parses kemono/coomer URLs and resolves request cookies for them.
package siteurl

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Site string

const (
	SiteKemono Site = "kemono"
	SiteCoomer Site = "coomer"
)

var ErrInvalidURL = errors.New("invalid URL")

// Target is a parsed creator-feed or single-post URL.
type Target struct {
	Site    Site
	Scheme  string
	Host    string // host[:port] of the input URL, also used as API and data host
	Service string
	UserID  string
	PostID  string
}

// ParseURL recognizes /{service}/user/{uid}[/post/{pid}] and the same path under /api/v1.
// Hosts that are neither kemono nor coomer are treated as kemono when allowDefault is set.
func ParseURL(raw string, allowDefault bool) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("%w: no host in %q", ErrInvalidURL, raw)
	}

	t := Target{Scheme: u.Scheme, Host: u.Host}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "coomer"):
		t.Site = SiteCoomer
	case strings.Contains(host, "kemono"):
		t.Site = SiteKemono
	case allowDefault:
		t.Site = SiteKemono
	default:
		return Target{}, fmt.Errorf("%w: unsupported host %q", ErrInvalidURL, u.Host)
	}

	var segs []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) >= 2 && segs[0] == "api" && segs[1] == "v1" {
		segs = segs[2:]
	}
	if len(segs) < 3 || segs[1] != "user" {
		return Target{}, fmt.Errorf("%w: path %q is not /{service}/user/{id}", ErrInvalidURL, u.Path)
	}
	t.Service = segs[0]
	t.UserID = segs[2]
	if len(segs) >= 5 && segs[3] == "post" {
		t.PostID = segs[4]
	}
	return t, nil
}

func (t Target) IsSinglePost() bool { return t.PostID != "" }

// Domain is the host without port; cookie files are matched against it.
func (t Target) Domain() string {
	if u, err := url.Parse(t.BaseURL()); err == nil {
		return u.Hostname()
	}
	return t.Host
}

func (t Target) BaseURL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + t.Host
}

func (t Target) FeedURL() string {
	return fmt.Sprintf("%s/api/v1/%s/user/%s", t.BaseURL(), t.Service, t.UserID)
}

func (t Target) PostURL(postID string) string {
	return fmt.Sprintf("%s/post/%s", t.FeedURL(), postID)
}

func (t Target) CommentsURL(postID string) string {
	return t.PostURL(postID) + "/comments"
}

// DataURL turns an API file path into a download URL on the data host.
func (t Target) DataURL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasPrefix(p, "/data/") {
		p = "/data" + p
	}
	return t.BaseURL() + p
}

// Resolve makes ref absolute against the target's scheme and host.
// Handles //host/path, /path and absolute URLs.
func (t Target) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "//"):
		scheme := t.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		return t.BaseURL() + ref
	}
	base, err := url.Parse(t.BaseURL() + "/")
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

// Referer is sent with file downloads.
func (t Target) Referer() string { return t.BaseURL() + "/" }

func (t Target) String() string {
	if t.IsSinglePost() {
		return fmt.Sprintf("%s/%s/user/%s/post/%s", t.Site, t.Service, t.UserID, t.PostID)
	}
	return fmt.Sprintf("%s/%s/user/%s", t.Site, t.Service, t.UserID)
}
