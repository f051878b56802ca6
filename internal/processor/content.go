package processor

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"go-kemono-download/internal/events"
	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
)

var (
	directImageURL = regexp.MustCompile(`(?i)(?:https?:)?//[^\s"'<>]+?\.(?:jpe?g|png|gif|webp|bmp|tiff?|avif|jfif|heic)(?:\?[^\s"'<>]*)?`)
	keyToken       = regexp.MustCompile(`[A-Za-z0-9_-]+`)
)

// suppressedPlatforms are never reported as external links.
var suppressedPlatforms = map[string]bool{
	helpers.PlatformKemono:  true,
	helpers.PlatformCoomer:  true,
	helpers.PlatformPatreon: true,
}

func parseContent(html string) *goquery.Document {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.WithError(err).Debug("Could not parse post content")
		return nil
	}
	return doc
}

// assembleFiles builds the post's download list: the main file, attachments, and
// optionally images referenced from the content. Duplicate api names keep the first entry.
func (p *Processor) assembleFiles(post models.Post) []models.FileDescriptor {
	var files []models.FileDescriptor
	seenURL := make(map[string]bool)
	addAPI := func(pf models.PostFile) {
		if pf.Path == "" {
			return
		}
		name := pf.Name
		if name == "" {
			name = path.Base(pf.Path)
		}
		u := p.deps.Target.DataURL(pf.Path)
		seenURL[u] = true
		files = append(files, models.FileDescriptor{URL: u, APIName: name, IsThumbnail: helpers.IsImage(name)})
	}
	if post.File != nil {
		addAPI(*post.File)
	}
	for _, a := range post.Attachments {
		addAPI(a)
	}

	if p.cfg.ScanContentImages {
		for _, u := range p.contentImageURLs(post.Content) {
			if seenURL[u] {
				continue
			}
			seenURL[u] = true
			files = append(files, models.FileDescriptor{URL: u, APIName: nameFromURL(u), FromContentScan: true})
		}
	}

	if p.cfg.DownloadThumbnails {
		kept := files[:0]
		for _, f := range files {
			if (p.cfg.ScanContentImages && f.FromContentScan) || (!p.cfg.ScanContentImages && f.IsThumbnail) {
				kept = append(kept, f)
			}
		}
		files = kept
	}

	seenName := make(map[string]bool, len(files))
	unique := files[:0]
	for _, f := range files {
		if seenName[f.APIName] {
			continue
		}
		seenName[f.APIName] = true
		unique = append(unique, f)
	}
	return unique
}

// contentImageURLs returns absolute image URLs found in the post HTML, in document order.
func (p *Processor) contentImageURLs(content string) []string {
	var urls []string
	seen := make(map[string]bool)
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || !helpers.IsImage(ref) {
			return
		}
		u := p.deps.Target.Resolve(ref)
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, m := range directImageURL.FindAllString(content, -1) {
		add(m)
	}
	if doc := parseContent(content); doc != nil {
		doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
			add(s.AttrOr("src", ""))
		})
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			add(s.AttrOr("href", ""))
		})
	}
	return urls
}

func nameFromURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return path.Base(u)
	}
	base := path.Base(parsed.Path)
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	if base == "/" || base == "." {
		return helpers.UntitledFile
	}
	return base
}

// emitExternalLinks reports every non-self link of the post content.
func (p *Processor) emitExternalLinks(post models.Post) {
	doc := parseContent(post.Content)
	if doc == nil {
		return
	}
	var plain string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return
		}
		if seen[href] {
			return
		}
		seen[href] = true
		platform := helpers.GetLinkPlatform(href)
		if suppressedPlatforms[platform] {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			text = href
		}
		link := events.ExternalLink{PostTitle: post.Title, Text: text, URL: href, Platform: platform}
		if platform == helpers.PlatformMega {
			if plain == "" {
				plain = helpers.StripHTMLTags(post.Content)
			}
			link.DecryptionKey = findMegaKey(href, text, plain)
		}
		p.sink.ExternalLink(link)
	})
}

// findMegaKey looks for a 22 or 43 character key in the link fragment, then the
// anchor text, then the whole post text.
func findMegaKey(href, text, content string) string {
	if i := strings.Index(href, "#"); i >= 0 {
		if k := keyIn(href[i+1:]); k != "" {
			return k
		}
	}
	if k := keyIn(text); k != "" {
		return k
	}
	return keyIn(content)
}

func keyIn(s string) string {
	for _, tok := range keyToken.FindAllString(s, -1) {
		if len(tok) == 22 || len(tok) == 43 {
			return tok
		}
	}
	return ""
}
