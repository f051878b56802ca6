package models

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Character filter scopes.
const (
	FilterScopeTitle    = "title"
	FilterScopeFiles    = "files"
	FilterScopeBoth     = "both"
	FilterScopeComments = "comments"
)

// Skip-word scopes.
const (
	SkipScopeFiles = "files"
	SkipScopePosts = "posts"
	SkipScopeBoth  = "both"
)

// Media-type radio values.
const (
	FileFilterAll          = "all"
	FileFilterImages       = "images"
	FileFilterVideos       = "videos"
	FileFilterArchivesOnly = "archives_only"
	FileFilterAudio        = "audio"
	FileFilterOnlyLinks    = "only_links"
)

// Manga filename styles.
const (
	StyleOriginalName             = "original_name"
	StylePostTitle                = "post_title"
	StyleDateBased                = "date_based"
	StylePostTitleGlobalNumbering = "post_title_global_numbering"
)

type (
	Config struct {
		// Paths
		SavePath           string `toml:"SavePath"`
		BaseDir            string `toml:"BaseDir"` // Holds cookies.txt and the known-names file
		KnownNamesPath     string `toml:"KnownNamesPath"`
		DatabasePath       string `toml:"DatabasePath"`
		BleveIndexPath     string `toml:"BleveIndexPath"`
		FailedDownloadsLog string `toml:"FailedDownloadsLog"`

		// Input
		URL              string `toml:"URL"`
		StartPage        int    `toml:"StartPage"`
		EndPage          int    `toml:"EndPage"`
		CustomFolderName string `toml:"CustomFolderName"`

		// Post / file filtering
		CharacterFilter     string   `toml:"CharacterFilter"`
		FilterScope         string   `toml:"FilterScope"`
		SkipWords           []string `toml:"SkipWords"`
		SkipWordsScope      string   `toml:"SkipWordsScope"`
		RemoveFromFilename  []string `toml:"RemoveFromFilename"`
		FileFilter          string   `toml:"FileFilter"`
		SkipZip             bool     `toml:"SkipZip"`
		SkipRar             bool     `toml:"SkipRar"`
		DownloadThumbnails  bool     `toml:"DownloadThumbnails"`
		ScanContentImages   bool     `toml:"ScanContentImages"`
		ShowExternalLinks   bool     `toml:"ShowExternalLinks"`
		SeparateFolders     bool     `toml:"SeparateFolders"`
		SubfolderPerPost    bool     `toml:"SubfolderPerPost"`
		DatePrefixSubfolder bool     `toml:"DatePrefixSubfolder"`

		// Manga mode
		MangaMode          bool   `toml:"MangaMode"`
		MangaFilenameStyle string `toml:"MangaFilenameStyle"`
		MangaPrefix        string `toml:"MangaPrefix"`

		// Concurrency / transfer
		PostWorkers        int  `toml:"PostWorkers"`
		FileThreads        int  `toml:"FileThreads"`
		UseMultipart       bool `toml:"UseMultipart"`
		CompressImages     bool `toml:"CompressImages"`
		BandwidthLimitKBps int  `toml:"BandwidthLimitKBps"`
		PageDelayMs        int  `toml:"PageDelayMs"`
		RetryBackoffSec    int  `toml:"RetryBackoffSec"`

		// Cookies
		UseCookie          bool   `toml:"UseCookie"`
		CookieText         string `toml:"CookieText"`
		SelectedCookieFile string `toml:"SelectedCookieFile"`

		// History / index
		UseHistory     bool `toml:"UseHistory"`
		IndexDownloads bool `toml:"IndexDownloads"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// PostFile is a {name, path} pair as returned by the API for `file` and `attachments`.
	PostFile struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}

	Post struct {
		ID          FlexibleID `json:"id"`
		User        string     `json:"user"`
		Service     string     `json:"service"`
		Title       string     `json:"title"`
		Content     string     `json:"content"`
		Published   string     `json:"published"`
		Added       string     `json:"added"`
		Edited      string     `json:"edited"`
		File        *PostFile  `json:"file"`
		Attachments []PostFile `json:"attachments"`
	}

	Comment struct {
		ID        FlexibleID `json:"id"`
		Commenter string     `json:"commenter"`
		Content   string     `json:"content"`
		Published string     `json:"published"`
	}

	// FileDescriptor is one downloadable file of a post.
	FileDescriptor struct {
		URL             string `json:"url"`
		APIName         string `json:"api_name"`
		IsThumbnail     bool   `json:"is_thumbnail,omitempty"`
		FromContentScan bool   `json:"from_content_scan,omitempty"`
	}

	// ReplayDescriptor carries everything needed to repeat one failed file download.
	ReplayDescriptor struct {
		File           FileDescriptor `json:"file"`
		TargetFolder   string         `json:"target_folder"`
		Headers        http.Header    `json:"headers,omitempty"`
		PostID         string         `json:"post_id"`
		PostTitle      string         `json:"post_title"`
		FileIndex      int            `json:"file_index"`
		NumFilesInPost int            `json:"num_files_in_post"`
		ForcedFilename string         `json:"forced_filename,omitempty"`
		Reason         string         `json:"reason,omitempty"`
	}

	// HistoryEntry is what the download history stores per saved file.
	HistoryEntry struct {
		Hash      string `json:"hash"`
		Filename  string `json:"filename"`
		Folder    string `json:"folder"`
		PostID    string `json:"post_id"`
		PostTitle string `json:"post_title"`
		Service   string `json:"service"`
		UserID    string `json:"user_id"`
		Site      string `json:"site"`
		SessionID string `json:"session_id"`
		SavedAt   string `json:"saved_at"`
	}
)

// FlexibleID accepts both JSON strings and numbers; the upstream API is not consistent.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

// Numeric returns the ID as an integer, or 0 when it is not numeric.
func (f FlexibleID) Numeric() int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SortDate is the timestamp used for oldest-first ordering.
func (p Post) SortDate() string {
	if p.Published != "" {
		return p.Published
	}
	if p.Added != "" {
		return p.Added
	}
	return "0000-00-00T00:00:00"
}

// Date returns the YYYY-MM-DD part of the post's publication date, if any.
func (p Post) Date() string {
	d := p.Published
	if d == "" {
		d = p.Added
	}
	if len(d) >= 10 {
		return d[:10]
	}
	return d
}
