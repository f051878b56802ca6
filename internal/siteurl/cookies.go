package siteurl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CookieSource names where a resolved cookie set came from.
type CookieSource string

const (
	CookieSourceNone         CookieSource = ""
	CookieSourceSelectedFile CookieSource = "selected file"
	CookieSourceDomainFile   CookieSource = "domain cookie file"
	CookieSourceBaseFile     CookieSource = "cookies.txt"
	CookieSourceText         CookieSource = "cookie text"
)

var ErrNoCookies = errors.New("no usable cookies found")

type CookieOptions struct {
	Enabled      bool
	Text         string
	SelectedFile string
	BaseDir      string
	Domain       string
}

type cookieSource struct {
	source CookieSource
	load   func(CookieOptions) (map[string]string, error)
}

// cookiePipeline is tried in order; the first source yielding at least one cookie wins.
var cookiePipeline = []cookieSource{
	{CookieSourceSelectedFile, loadSelectedFile},
	{CookieSourceDomainFile, func(o CookieOptions) (map[string]string, error) {
		if o.BaseDir == "" || o.Domain == "" {
			return nil, nil
		}
		return loadCookieFile(filepath.Join(o.BaseDir, o.Domain+"_cookies.txt"), o.Domain)
	}},
	{CookieSourceBaseFile, func(o CookieOptions) (map[string]string, error) {
		if o.BaseDir == "" {
			return nil, nil
		}
		return loadCookieFile(filepath.Join(o.BaseDir, "cookies.txt"), o.Domain)
	}},
	{CookieSourceText, func(o CookieOptions) (map[string]string, error) {
		return ParseCookieString(o.Text), nil
	}},
}

// ResolveCookies returns the cookies for opts.Domain from the first source that has any.
// Returns (nil, CookieSourceNone, nil) when cookies are disabled.
func ResolveCookies(opts CookieOptions) (map[string]string, CookieSource, error) {
	if !opts.Enabled {
		return nil, CookieSourceNone, nil
	}
	for _, src := range cookiePipeline {
		cookies, err := src.load(opts)
		if err != nil {
			log.WithError(err).Warnf("Could not load cookies from %s", src.source)
			continue
		}
		if len(cookies) > 0 {
			log.Debugf("Using %d cookies from %s", len(cookies), src.source)
			return cookies, src.source, nil
		}
	}
	return nil, CookieSourceNone, fmt.Errorf("%w for %s", ErrNoCookies, opts.Domain)
}

func loadSelectedFile(o CookieOptions) (map[string]string, error) {
	if o.SelectedFile == "" {
		return nil, nil
	}
	base := strings.ToLower(filepath.Base(o.SelectedFile))
	if base != "cookies.txt" && (o.Domain == "" || base != strings.ToLower(o.Domain)+"_cookies.txt") {
		log.Debugf("Selected cookie file %s does not match domain %s, ignoring it", o.SelectedFile, o.Domain)
		return nil, nil
	}
	return loadCookieFile(o.SelectedFile, o.Domain)
}

func loadCookieFile(path, domain string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNetscapeCookies(f, domain)
}

// ParseNetscapeCookies reads a cookies.txt file. When domain is non-empty only matching cookies are kept.
func ParseNetscapeCookies(r io.Reader, domain string) (map[string]string, error) {
	cookies := make(map[string]string)
	domain = strings.ToLower(domain)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		line = strings.TrimPrefix(strings.TrimLeft(line, " "), "#HttpOnly_")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		if domain != "" && !cookieDomainMatches(strings.ToLower(fields[0]), domain) {
			continue
		}
		cookies[fields[5]] = fields[6]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	return cookies, nil
}

func cookieDomainMatches(cookieDomain, target string) bool {
	if strings.HasPrefix(cookieDomain, ".") {
		return target == cookieDomain[1:] || strings.HasSuffix(target, cookieDomain)
	}
	return target == cookieDomain
}

// ParseCookieString parses "name=value; name=value".
func ParseCookieString(s string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// CookieHeader renders cookies as a Cookie header value with names in sorted order.
func CookieHeader(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}
