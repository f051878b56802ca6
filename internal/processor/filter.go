package processor

import (
	"context"
	"strings"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	matchedByTitle    = "title"
	matchedByFile     = "file"
	matchedByComments = "comments"
)

// filterMatch records which filter made a post a candidate, and how.
type filterMatch struct {
	filter helpers.CharacterFilter
	by     string
}

// evaluateCharacterFilter returns ok=false when filters are set and the post is not a candidate
// under the configured scope; the miss is reported to the sink.
func (p *Processor) evaluateCharacterFilter(ctx context.Context, post models.Post, files []models.FileDescriptor) (*filterMatch, bool) {
	if len(p.filters) == 0 {
		return nil, true
	}
	title := post.Title
	byFile := func() (*filterMatch, bool) {
		for _, f := range files {
			if m, ok := helpers.MatchFilename(p.filters, f.APIName); ok {
				return &filterMatch{filter: m, by: matchedByFile}, true
			}
		}
		return nil, false
	}

	var reason string
	switch p.cfg.FilterScope {
	case models.FilterScopeFiles:
		if m, ok := byFile(); ok {
			return m, true
		}
		reason = "no filename matched the character filter"
	case models.FilterScopeBoth:
		if m, ok := helpers.MatchTitle(p.filters, title); ok {
			return &filterMatch{filter: m, by: matchedByTitle}, true
		}
		if m, ok := byFile(); ok {
			return m, true
		}
		reason = "neither title nor filenames matched the character filter"
	case models.FilterScopeComments:
		if m, ok := byFile(); ok {
			return m, true
		}
		if m, ok := p.matchComments(ctx, post); ok {
			return m, true
		}
		reason = "no filename or comment matched the character filter"
	default:
		if m, ok := helpers.MatchTitle(p.filters, title); ok {
			return &filterMatch{filter: m, by: matchedByTitle}, true
		}
		reason = "title did not match the character filter"
	}
	p.sink.MissedCharacterPost(title, reason)
	return nil, false
}

func (p *Processor) matchComments(ctx context.Context, post models.Post) (*filterMatch, bool) {
	if p.deps.Comments == nil {
		return nil, false
	}
	comments, err := p.deps.Comments.FetchComments(ctx, p.deps.Target, post.ID.String(), p.deps.Cookies)
	if err != nil {
		log.WithError(err).Warnf("Could not fetch comments of post %s", post.ID)
		return nil, false
	}
	for _, c := range comments {
		text := helpers.StripHTMLTags(c.Content)
		if m, ok := helpers.MatchTitle(p.filters, text); ok {
			return &filterMatch{filter: m, by: matchedByComments}, true
		}
	}
	return nil, false
}

// fileFilterReason applies the file-level checks of the per-file loop. It returns the reason
// and true when the file must be skipped.
func (p *Processor) fileFilterReason(file models.FileDescriptor, match *filterMatch) (string, bool) {
	name := file.APIName
	if len(p.filters) > 0 {
		scope := p.cfg.FilterScope
		fileLevel := scope == models.FilterScopeFiles || (scope == models.FilterScopeBoth && match != nil && match.by == matchedByFile)
		if fileLevel {
			if _, ok := helpers.MatchFilename(p.filters, name); !ok {
				return "filename does not match the character filter", true
			}
		}
	}
	if p.skipWordsApply(models.SkipScopeFiles) {
		if w, hit := containsSkipWord(name, p.cfg.SkipWords); hit {
			return "filename contains skip word '" + w + "'", true
		}
	}
	if !mediaAllowed(p.cfg.FileFilter, name) {
		return "not selected by the " + p.cfg.FileFilter + " file filter", true
	}
	if p.cfg.FileFilter != models.FileFilterArchivesOnly {
		if p.cfg.SkipZip && helpers.IsZip(name) {
			return "zip archives are skipped", true
		}
		if p.cfg.SkipRar && helpers.IsRar(name) {
			return "rar archives are skipped", true
		}
	}
	return "", false
}

func mediaAllowed(filter, name string) bool {
	switch filter {
	case models.FileFilterImages:
		return helpers.IsImage(name)
	case models.FileFilterVideos:
		return helpers.IsVideo(name)
	case models.FileFilterAudio:
		return helpers.IsAudio(name)
	case models.FileFilterArchivesOnly:
		return helpers.IsArchive(name)
	}
	return true
}

// containsSkipWord reports the first skip word found as a case-insensitive substring of s.
func containsSkipWord(s string, words []string) (string, bool) {
	lower := strings.ToLower(s)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return w, true
		}
	}
	return "", false
}
