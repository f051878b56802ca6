package processor

import (
	"fmt"
	"path/filepath"
	"strings"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// NameContext is the input of the filename style machine for one file.
type NameContext struct {
	APIName   string
	PostTitle string
	FileIndex int // 0-based position in the post
	NumFiles  int
}

type nameState struct {
	manga bool
	style string
}

type nameFunc func(p *Processor, c NameContext) (string, bool)

// nameStates maps (manga mode, style) to a naming rule. Outside manga mode the style is ignored.
var nameStates = map[nameState]nameFunc{
	{false, ""}:                                  nameCleaned,
	{true, models.StyleOriginalName}:             nameOriginal,
	{true, models.StylePostTitle}:                namePostTitle,
	{true, models.StyleDateBased}:                nameDateBased,
	{true, models.StylePostTitleGlobalNumbering}: nameGlobal,
}

// NameFile computes the stored filename and whether the original api name was kept.
func (p *Processor) NameFile(c NameContext) (string, bool) {
	state := nameState{manga: p.cfg.MangaMode}
	if state.manga {
		state.style = p.cfg.MangaFilenameStyle
	}
	fn, ok := nameStates[state]
	if !ok {
		log.Warnf("Unknown filename style %q, keeping the original name of %s", state.style, c.APIName)
		return nameCleaned(p, c)
	}
	return fn(p, c)
}

func nameCleaned(_ *Processor, c NameContext) (string, bool) {
	return helpers.CleanFilename(c.APIName), false
}

func nameOriginal(p *Processor, c NameContext) (string, bool) {
	name := helpers.CleanFilename(c.APIName)
	if prefix := cleanPrefix(p.cfg.MangaPrefix); prefix != "" {
		name = helpers.CleanFilename(prefix + " " + name)
	}
	return name, true
}

func namePostTitle(p *Processor, c NameContext) (string, bool) {
	if strings.TrimSpace(c.PostTitle) == "" {
		log.Warnf("Post has no title, keeping the original name of %s", c.APIName)
		return nameCleaned(p, c)
	}
	ext := fileExt(c.APIName)
	if c.FileIndex == 0 {
		return helpers.FilenameFromBase(c.PostTitle, ext), false
	}
	return helpers.FilenameFromBase(c.PostTitle, fmt.Sprintf("_%d%s", c.FileIndex, ext)), false
}

func nameDateBased(p *Processor, c NameContext) (string, bool) {
	if p.deps.DateCounter == nil {
		log.Warnf("Date-based naming has no counter, keeping the original name of %s", c.APIName)
		return nameCleaned(p, c)
	}
	n := p.deps.DateCounter.Next()
	return helpers.CleanFilename(DateBasedName(p.cfg.MangaPrefix, n) + fileExt(c.APIName)), false
}

func nameGlobal(p *Processor, c NameContext) (string, bool) {
	if p.deps.GlobalCounter == nil {
		log.Warnf("Global numbering has no counter, keeping the original name of %s", c.APIName)
		return nameCleaned(p, c)
	}
	n := p.deps.GlobalCounter.Next()
	title := c.PostTitle
	if strings.TrimSpace(title) == "" {
		title = "post"
	}
	return helpers.FilenameFromBase(title, fmt.Sprintf("_%03d%s", n, fileExt(c.APIName))), false
}

// DateBasedName formats the number part of a date-based filename: "[prefix ]NNN".
func DateBasedName(prefix string, n int) string {
	if p := cleanPrefix(prefix); p != "" {
		return fmt.Sprintf("%s %03d", p, n)
	}
	return fmt.Sprintf("%03d", n)
}

func cleanPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	cleaned := helpers.FilenameFromBase(prefix, "")
	if cleaned == helpers.UntitledFile {
		return ""
	}
	return cleaned
}

func fileExt(name string) string {
	ext := filepath.Ext(helpers.CleanFilename(name))
	if strings.ContainsRune(ext, ' ') {
		return ""
	}
	return ext
}
