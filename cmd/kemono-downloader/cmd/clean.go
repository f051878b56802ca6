package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-kemono-download/internal/downloader"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Duration("min-age", 0, "Only remove files not modified for at least this long (e.g. 1h)")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove unfinished downloads (.part) and temporary (.tmp) files",
	Long: `Recursively scans the configured SavePath and removes partial downloads left behind by
interrupted sessions. Optionally removes *.torrent and *-magnet.txt files as well.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

type cleanOptions struct {
	Torrents bool
	Magnets  bool
	MinAge   time.Duration
}

// cleanStats counts removed files by kind.
type cleanStats struct {
	Removed map[string]int
	Failed  int
}

func (s cleanStats) String() string {
	var parts []string
	for _, kind := range []string{downloader.PartSuffix, ".tmp", ".torrent", "-magnet.txt"} {
		if n := s.Removed[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s file(s)", n, kind))
		}
	}
	summary := "Clean complete. Removed: "
	if len(parts) > 0 {
		summary += strings.Join(parts, ", ")
	} else {
		summary += "0 files"
	}
	if s.Failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", s.Failed)
	}
	return summary
}

func cleanKind(name string, opts cleanOptions) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, downloader.PartSuffix):
		return downloader.PartSuffix
	case strings.HasSuffix(lower, ".tmp"):
		return ".tmp"
	case opts.Torrents && strings.HasSuffix(lower, ".torrent"):
		return ".torrent"
	case opts.Magnets && strings.HasSuffix(lower, "-magnet.txt"):
		return "-magnet.txt"
	}
	return ""
}

// cleanDir removes the files under root selected by opts.
func cleanDir(root string, opts cleanOptions) (cleanStats, error) {
	stats := cleanStats{Removed: map[string]int{}}
	cutoff := time.Now().Add(-opts.MinAge)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		kind := cleanKind(d.Name(), opts)
		if kind == "" {
			return nil
		}
		if opts.MinAge > 0 {
			if info, err := d.Info(); err == nil && info.ModTime().After(cutoff) {
				log.Debugf("Keeping recent %s file %s", kind, path)
				return nil
			}
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
			stats.Failed++
			return nil
		}
		log.Infof("Removed %s file: %s", kind, path)
		stats.Removed[kind]++
		return nil
	})
	return stats, err
}

func runClean(cmd *cobra.Command, args []string) error {
	savePath := globalConfig.SavePath
	if savePath == "" {
		return errors.New("SavePath is not configured (--save-path or config file)")
	}
	info, err := os.Stat(savePath)
	if err != nil {
		return fmt.Errorf("error accessing SavePath %q: %w", savePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", savePath)
	}

	var opts cleanOptions
	opts.Torrents, _ = cmd.Flags().GetBool("torrents")
	opts.Magnets, _ = cmd.Flags().GetBool("magnets")
	opts.MinAge, _ = cmd.Flags().GetDuration("min-age")

	log.Infof("Scanning for unfinished downloads in %s", savePath)
	stats, walkErr := cleanDir(savePath, opts)
	log.Info(stats.String())

	if walkErr != nil {
		return fmt.Errorf("error during directory walk of %q: %w", savePath, walkErr)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", stats.Failed)
	}
	return nil
}
