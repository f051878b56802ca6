package config

import (
	"os"
	"path/filepath"
	"testing"

	"go-kemono-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPostWorkers, cfg.PostWorkers)
	assert.Equal(t, models.FilterScopeTitle, cfg.FilterScope)
	assert.True(t, cfg.UseHistory)
	assert.NotEmpty(t, cfg.KnownNamesPath)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
SavePath = "` + filepath.ToSlash(filepath.Join(dir, "dl")) + `"
BaseDir = "` + filepath.ToSlash(dir) + `"
CharacterFilter = "Tifa"
FilterScope = "BOTH"
PostWorkers = 500
MangaMode = true
MangaFilenameStyle = "date_based"
SkipWords = ["wip", "preview"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Tifa", cfg.CharacterFilter)
	assert.Equal(t, models.FilterScopeBoth, cfg.FilterScope)
	assert.Equal(t, MaxPostWorkers, cfg.PostWorkers)
	assert.True(t, cfg.MangaMode)
	assert.Equal(t, models.StyleDateBased, cfg.MangaFilenameStyle)
	assert.Equal(t, []string{"wip", "preview"}, cfg.SkipWords)
	// unset fields keep their defaults
	assert.True(t, cfg.SeparateFolders)
	assert.Equal(t, DefaultFileThreads, cfg.FileThreads)

	assert.Equal(t, filepath.Join(dir, KnownNamesFilename), cfg.KnownNamesPath)
	assert.Equal(t, filepath.Join(dir, "dl", FailedDownloadsFile), cfg.FailedDownloadsLog)
	assert.NotEmpty(t, cfg.DatabasePath)
	assert.NotEmpty(t, cfg.BleveIndexPath)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("PostWorkers = [nope"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := models.Config{BaseDir: "/base", PostWorkers: -3, FileThreads: 0, PageDelayMs: -1, FileFilter: " Images "}
	ApplyDefaults(&cfg)
	assert.Equal(t, DefaultPostWorkers, cfg.PostWorkers)
	assert.Equal(t, DefaultFileThreads, cfg.FileThreads)
	assert.Equal(t, DefaultPageDelayMs, cfg.PageDelayMs)
	assert.Equal(t, models.FileFilterImages, cfg.FileFilter)
	assert.Equal(t, models.SkipScopePosts, cfg.SkipWordsScope)
	assert.Equal(t, models.StyleOriginalName, cfg.MangaFilenameStyle)
	assert.Equal(t, filepath.Join("/base", KnownNamesFilename), cfg.KnownNamesPath)
	assert.Empty(t, cfg.DatabasePath, "no SavePath means no derived paths")
}

func TestValidate(t *testing.T) {
	valid := func() models.Config {
		cfg := Default()
		cfg.URL = "https://kemono.su/patreon/user/1"
		cfg.SavePath = "/tmp/dl"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*models.Config)
		wantErr bool
	}{
		{"Valid", func(c *models.Config) {}, false},
		{"No URL", func(c *models.Config) { c.URL = " " }, true},
		{"No save path", func(c *models.Config) { c.SavePath = "" }, true},
		{"Only links without save path", func(c *models.Config) {
			c.SavePath = ""
			c.FileFilter = models.FileFilterOnlyLinks
		}, false},
		{"Bad filter scope", func(c *models.Config) { c.FilterScope = "everything" }, true},
		{"Bad skip scope", func(c *models.Config) { c.SkipWordsScope = "titles" }, true},
		{"Bad file filter", func(c *models.Config) { c.FileFilter = "gifs" }, true},
		{"Bad manga style", func(c *models.Config) { c.MangaFilenameStyle = "random" }, true},
		{"End before start", func(c *models.Config) { c.StartPage, c.EndPage = 5, 2 }, true},
		{"Open end", func(c *models.Config) { c.StartPage, c.EndPage = 5, 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
