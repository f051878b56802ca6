package helpers

import (
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// FilenameComponentMax is the maximum length, in characters, of one folder or file name component.
const FilenameComponentMax = 150

const (
	UntitledFolder = "untitled_folder"
	UntitledFile   = "untitled_file"
)

var (
	invalidNameChars = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_\s\-.()]`)
	multiSpace       = regexp.MustCompile(`\s+`)
	htmlTag          = regexp.MustCompile(`(?s)<[^>]*>`)
)

// FolderStopWords are dropped from folder names only.
var FolderStopWords = wordSet(
	"a", "alone", "am", "an", "and", "at", "be", "but", "by", "com", "for", "he", "her", "his",
	"i", "im", "in", "is", "it", "its", "me", "my", "net", "not", "of", "on", "or", "org", "our",
	"please", "s", "she", "so", "the", "their", "they", "this", "to", "ve", "was", "we", "well",
	"were", "with", "www", "you", "your",
)

// CreatorIgnoreWords are title words that say nothing about the subject of a post
// (polls, batches, update notices). Titles made only of these fall back to filename matching.
var CreatorIgnoreWords = wordSet(
	"poll", "cover", "fan-art", "fanart", "requests", "request", "holiday", "suggest",
	"suggestions", "batch", "open", "closed", "winner", "loser", "minor", "adult", "wip",
	"update", "news", "discussion", "question", "stream", "video", "sketchbook", "artwork",
	"reward", "rewards", "commission", "commissions", "preview", "previews",
	"january", "february", "march", "april", "may", "june", "july", "august", "september",
	"october", "november", "december", "jan", "feb", "mar", "apr", "jun", "jul", "aug", "sep",
	"sept", "oct", "nov", "dec", "months", "weeks", "days", "years", "hours", "minutes",
	"patreon", "fanbox", "kemono", "coomer",
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func baseClean(s string) string {
	s = norm.NFC.String(s)
	s = invalidNameChars.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// CleanFolderName makes s usable as one folder path component.
func CleanFolderName(s string) string {
	cleaned := baseClean(s)
	if cleaned != "" {
		words := strings.Fields(cleaned)
		kept := words[:0]
		for _, w := range words {
			if _, stop := FolderStopWords[strings.ToLower(w)]; stop {
				continue
			}
			kept = append(kept, w)
		}
		cleaned = strings.Join(kept, " ")
	}
	cleaned = strings.TrimRight(cleaned, ". ")
	cleaned = strings.TrimRight(truncateRunes(cleaned, FilenameComponentMax), ". ")
	if cleaned == "" {
		return UntitledFolder
	}
	return cleaned
}

// CleanFilename makes s usable as a file name; the extension is kept and the base truncated
// so that the whole name fits FilenameComponentMax.
func CleanFilename(s string) string {
	cleaned := strings.TrimRight(baseClean(s), ". ")
	if cleaned == "" {
		return UntitledFile
	}
	ext := filepath.Ext(cleaned)
	if utf8.RuneCountInString(ext) >= FilenameComponentMax || strings.ContainsRune(ext, ' ') {
		ext = ""
	}
	base := strings.TrimSuffix(cleaned, ext)
	base = strings.TrimRight(truncateRunes(base, FilenameComponentMax-utf8.RuneCountInString(ext)), ". ")
	if base == "" {
		base = UntitledFile
	}
	return base + ext
}

// StripHTMLTags removes markup, decodes entities and collapses whitespace.
func StripHTMLTags(s string) string {
	s = htmlTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// IsTitleMatch reports whether term occurs in title as a whole word, ignoring case.
func IsTitleMatch(title, term string) bool {
	_, ok := WordIndex(title, term)
	return ok
}

// WordIndex returns the byte offset, within the lower-cased text, of the first
// case-insensitive whole-word occurrence of term.
func WordIndex(text, term string) (int, bool) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || text == "" {
		return -1, false
	}
	lower := strings.ToLower(text)
	from := 0
	for from <= len(lower) {
		i := strings.Index(lower[from:], term)
		if i < 0 {
			return -1, false
		}
		start := from + i
		end := start + len(term)
		before, _ := utf8.DecodeLastRuneInString(lower[:start])
		after, _ := utf8.DecodeRuneInString(lower[end:])
		okBefore := start == 0 || !isWordRune(before)
		okAfter := end == len(lower) || !isWordRune(after)
		if okBefore && okAfter {
			return start, true
		}
		_, size := utf8.DecodeRuneInString(lower[start:])
		from = start + size
	}
	return -1, false
}

// IsFilenameMatch reports whether term is a substring of name, ignoring case.
func IsFilenameMatch(name, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), term)
}

// OnlyIgnoreWords reports whether every word of the cleaned title is a creator-ignore word
// or a bare number. An empty title counts as ignore-only.
func OnlyIgnoreWords(title string) bool {
	for _, w := range strings.Fields(strings.ToLower(baseClean(title))) {
		w = strings.Trim(w, "-_.()")
		if w == "" {
			continue
		}
		if _, ok := CreatorIgnoreWords[w]; ok {
			continue
		}
		if strings.IndexFunc(w, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			continue
		}
		return false
	}
	return true
}

// DeriveFolderFromTitle builds a folder name from the title with creator-ignore words and bare
// numbers removed. Returns "" when nothing meaningful is left.
func DeriveFolderFromTitle(title string) string {
	var kept []string
	for _, w := range strings.Fields(baseClean(title)) {
		lw := strings.ToLower(strings.Trim(w, "-_.()"))
		if lw == "" {
			continue
		}
		if _, ok := CreatorIgnoreWords[lw]; ok {
			continue
		}
		if strings.IndexFunc(lw, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
			continue
		}
		kept = append(kept, w)
	}
	name := CleanFolderName(strings.Join(kept, " "))
	if name == UntitledFolder {
		return ""
	}
	return name
}

// FilenameFromBase cleans base and appends suffix (for example "_3.jpg"), truncating the base
// so the whole name fits FilenameComponentMax.
func FilenameFromBase(base, suffix string) string {
	cleaned := strings.TrimRight(baseClean(base), ". ")
	cleaned = strings.TrimRight(truncateRunes(cleaned, FilenameComponentMax-utf8.RuneCountInString(suffix)), ". ")
	if cleaned == "" {
		cleaned = UntitledFile
	}
	return cleaned + suffix
}

// RemoveWords deletes every case-insensitive occurrence of words from the base of filename.
func RemoveWords(filename string, words []string) string {
	if len(words) == 0 {
		return filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(w))
		base = re.ReplaceAllString(base, "")
	}
	base = strings.Trim(multiSpace.ReplaceAllString(base, " "), " _-.")
	if base == "" {
		return filename
	}
	return base + ext
}
