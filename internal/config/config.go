package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-kemono-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPostWorkers   = 4
	MaxPostWorkers       = 200
	PostWorkersSoftLimit = 40
	DefaultFileThreads   = 4
	DefaultPageDelayMs   = 600
	DefaultRetryBackoff  = 5
	KnownNamesFilename   = "Known.txt"
	FailedDownloadsFile  = "failed_downloads.json"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns a Config populated with the values used when config.toml omits a field.
func Default() models.Config {
	return models.Config{
		FilterScope:        models.FilterScopeTitle,
		SkipWordsScope:     models.SkipScopePosts,
		FileFilter:         models.FileFilterAll,
		SeparateFolders:    true,
		MangaFilenameStyle: models.StyleOriginalName,
		PostWorkers:        DefaultPostWorkers,
		FileThreads:        DefaultFileThreads,
		UseMultipart:       true,
		PageDelayMs:        DefaultPageDelayMs,
		RetryBackoffSec:    DefaultRetryBackoff,
		UseHistory:         true,
	}
}

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml")
// on top of Default(). A missing file is not an error; defaults are returned instead.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	cfg := Default()
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Debugf("Config file %s not found, using defaults", configFilePath)
		ApplyDefaults(&cfg)
		return cfg, nil
	}
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return Default(), fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}
	ApplyDefaults(&cfg)
	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills derived paths and clamps out-of-range values.
func ApplyDefaults(cfg *models.Config) {
	if cfg.BaseDir == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.BaseDir = filepath.Dir(exe)
		} else {
			cfg.BaseDir = "."
		}
	}
	if cfg.KnownNamesPath == "" {
		cfg.KnownNamesPath = filepath.Join(cfg.BaseDir, KnownNamesFilename)
	}
	if cfg.SavePath != "" {
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(cfg.SavePath, ".kemono_history")
		}
		if cfg.BleveIndexPath == "" {
			cfg.BleveIndexPath = filepath.Join(cfg.SavePath, ".kemono_index.bleve")
		}
		if cfg.FailedDownloadsLog == "" {
			cfg.FailedDownloadsLog = filepath.Join(cfg.SavePath, FailedDownloadsFile)
		}
	}
	if cfg.PostWorkers <= 0 {
		cfg.PostWorkers = DefaultPostWorkers
	}
	if cfg.PostWorkers > MaxPostWorkers {
		log.Warnf("PostWorkers %d exceeds the maximum, clamping to %d", cfg.PostWorkers, MaxPostWorkers)
		cfg.PostWorkers = MaxPostWorkers
	}
	if cfg.FileThreads <= 0 {
		cfg.FileThreads = DefaultFileThreads
	}
	if cfg.PageDelayMs < 0 {
		cfg.PageDelayMs = DefaultPageDelayMs
	}
	if cfg.RetryBackoffSec < 0 {
		cfg.RetryBackoffSec = DefaultRetryBackoff
	}
	cfg.FilterScope = strings.ToLower(strings.TrimSpace(cfg.FilterScope))
	cfg.SkipWordsScope = strings.ToLower(strings.TrimSpace(cfg.SkipWordsScope))
	cfg.FileFilter = strings.ToLower(strings.TrimSpace(cfg.FileFilter))
	cfg.MangaFilenameStyle = strings.ToLower(strings.TrimSpace(cfg.MangaFilenameStyle))
	if cfg.FilterScope == "" {
		cfg.FilterScope = models.FilterScopeTitle
	}
	if cfg.SkipWordsScope == "" {
		cfg.SkipWordsScope = models.SkipScopePosts
	}
	if cfg.FileFilter == "" {
		cfg.FileFilter = models.FileFilterAll
	}
	if cfg.MangaFilenameStyle == "" {
		cfg.MangaFilenameStyle = models.StyleOriginalName
	}
}

// Validate checks the settings a download session needs before any I/O happens.
func Validate(cfg models.Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("%w: no URL given", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.SavePath) == "" && cfg.FileFilter != models.FileFilterOnlyLinks {
		return fmt.Errorf("%w: SavePath is empty", ErrInvalidConfig)
	}
	switch cfg.FilterScope {
	case models.FilterScopeTitle, models.FilterScopeFiles, models.FilterScopeBoth, models.FilterScopeComments:
	default:
		return fmt.Errorf("%w: unknown filter scope %q", ErrInvalidConfig, cfg.FilterScope)
	}
	switch cfg.SkipWordsScope {
	case models.SkipScopeFiles, models.SkipScopePosts, models.SkipScopeBoth:
	default:
		return fmt.Errorf("%w: unknown skip-words scope %q", ErrInvalidConfig, cfg.SkipWordsScope)
	}
	switch cfg.FileFilter {
	case models.FileFilterAll, models.FileFilterImages, models.FileFilterVideos,
		models.FileFilterArchivesOnly, models.FileFilterAudio, models.FileFilterOnlyLinks:
	default:
		return fmt.Errorf("%w: unknown file filter %q", ErrInvalidConfig, cfg.FileFilter)
	}
	switch cfg.MangaFilenameStyle {
	case models.StyleOriginalName, models.StylePostTitle, models.StyleDateBased, models.StylePostTitleGlobalNumbering:
	default:
		return fmt.Errorf("%w: unknown manga filename style %q", ErrInvalidConfig, cfg.MangaFilenameStyle)
	}
	if cfg.StartPage > 0 && cfg.EndPage > 0 && cfg.EndPage < cfg.StartPage {
		return fmt.Errorf("%w: end page %d is before start page %d", ErrInvalidConfig, cfg.EndPage, cfg.StartPage)
	}
	return nil
}
