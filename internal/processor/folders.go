package processor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/knownnames"
	"go-kemono-download/internal/models"
)

// selectFolders returns the post's target folders relative to the save path. More than one
// folder is returned only when several known names match; "" means the save path itself.
func (p *Processor) selectFolders(post models.Post, files []models.FileDescriptor, match *filterMatch) []string {
	bases := []string{""}
	if p.cfg.SeparateFolders {
		bases = p.baseFolders(post, files, match)
	}
	if !p.cfg.SubfolderPerPost {
		return bases
	}
	sub := postFolderName(post.Title)
	if p.cfg.DatePrefixSubfolder {
		if d := post.Date(); d != "" {
			sub = helpers.CleanFolderName(d + " " + sub)
		}
	}
	out := make([]string, len(bases))
	for i, b := range bases {
		out[i] = filepath.Join(b, sub)
	}
	return out
}

func (p *Processor) baseFolders(post models.Post, files []models.FileDescriptor, match *filterMatch) []string {
	if p.cfg.CustomFolderName != "" && p.deps.Target.IsSinglePost() {
		return []string{helpers.CleanFolderName(p.cfg.CustomFolderName)}
	}
	if match != nil {
		return []string{helpers.CleanFolderName(match.filter.Primary)}
	}

	title := post.Title
	if names := knownNameFolders(p.deps.Registry.MatchAll(title)); len(names) > 0 {
		return names
	}
	if helpers.OnlyIgnoreWords(title) {
		var entries []knownnames.Entry
		for _, f := range files {
			entries = append(entries, p.deps.Registry.MatchAll(filenameWords(f.APIName))...)
		}
		if names := knownNameFolders(entries); len(names) > 0 {
			return names
		}
	}
	if derived := helpers.DeriveFolderFromTitle(title); derived != "" {
		return []string{derived}
	}
	return []string{postFolderName(title)}
}

// knownNameFolders keeps entries whose primary is not a creator-ignore word and returns their
// cleaned, de-duplicated folder names in a stable order.
func knownNameFolders(entries []knownnames.Entry) []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if _, ignored := helpers.CreatorIgnoreWords[strings.ToLower(e.Primary)]; ignored {
			continue
		}
		name := helpers.CleanFolderName(e.Primary)
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, name)
	}
	return names
}

// filenameWords turns "ff7_cloud-02.png" into "ff7 cloud 02" so names match at word boundaries.
func filenameWords(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || r == '.' {
			return ' '
		}
		return r
	}, base)
}

func postFolderName(title string) string {
	if strings.TrimSpace(title) == "" {
		return GenericFolder
	}
	name := helpers.CleanFolderName(title)
	if name == helpers.UntitledFolder {
		return GenericFolder
	}
	return name
}

func joinUnder(root, rel string) string {
	if rel == "" {
		return root
	}
	return filepath.Join(root, rel)
}

func sortNatural(files []models.FileDescriptor) {
	sort.SliceStable(files, func(i, j int) bool {
		return helpers.NaturalLess(files[i].APIName, files[j].APIName)
	})
}

func formatPostStart(post models.Post, n int, folders []string) string {
	where := "download root"
	if len(folders) > 0 && folders[0] != "" {
		where = "'" + strings.Join(folders, "', '") + "'"
	}
	return fmt.Sprintf("Post %s '%s': %d file(s) into %s", post.ID, post.Title, n, where)
}
