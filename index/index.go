// Package index keeps a bleve full-text index of downloaded file metadata.
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-kemono-download/internal/helpers"
	"go-kemono-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "kemono.bleve"

// Item is one indexed file. Fields are searchable by their JSON tag names,
// e.g. '+creator:patreon/123' or 'postTitle:tifa'.
type Item struct {
	ID            string    `json:"id"`   // content hash plus path, so copies in several folders are separate items
	Type          string    `json:"type"` // "file"
	Name          string    `json:"name"`
	PostTitle     string    `json:"postTitle"`
	PostID        string    `json:"postId"`
	FilePath      string    `json:"filePath"`
	DirectoryPath string    `json:"directoryPath,omitempty"`
	Creator       string    `json:"creator,omitempty"` // service/user_id
	Site          string    `json:"site,omitempty"`
	Hash          string    `json:"hash"`
	FileFormat    string    `json:"fileFormat,omitempty"`
	MediaType     string    `json:"mediaType,omitempty"`
	FileSizeKB    float64   `json:"fileSizeKB,omitempty"`
	SavedAt       time.Time `json:"savedAt,omitempty"`

	// Set by the torrent command.
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return idx, nil
}

func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// SearchIndex runs a query-string search and returns up to limit hits with all stored fields.
func SearchIndex(idx bleve.Index, query string, limit int) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequest(bleve.NewQueryStringQuery(query))
	req.Fields = []string{"*"}
	if limit > 0 {
		req.Size = limit
	}
	return idx.Search(req)
}

// DeleteIndex removes the index directory.
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}

// ItemFromEntry builds the index item for a saved file.
func ItemFromEntry(entry models.HistoryEntry, path string) Item {
	item := Item{
		ID:            entry.Hash + ":" + path,
		Type:          "file",
		Name:          entry.Filename,
		PostTitle:     entry.PostTitle,
		PostID:        entry.PostID,
		FilePath:      path,
		DirectoryPath: filepath.Dir(path),
		Site:          entry.Site,
		Hash:          entry.Hash,
		FileFormat:    strings.TrimPrefix(helpers.Ext(entry.Filename), "."),
		MediaType:     mediaType(entry.Filename),
	}
	if entry.Service != "" {
		item.Creator = entry.Service + "/" + entry.UserID
	}
	if t, err := time.Parse(time.RFC3339, entry.SavedAt); err == nil {
		item.SavedAt = t
	}
	if fi, err := os.Stat(path); err == nil {
		item.FileSizeKB = float64(fi.Size()) / 1024
	}
	return item
}

func mediaType(name string) string {
	switch {
	case helpers.IsImage(name):
		return "image"
	case helpers.IsVideo(name):
		return "video"
	case helpers.IsAudio(name):
		return "audio"
	case helpers.IsArchive(name):
		return "archive"
	}
	return "other"
}

// Indexer indexes every file a download session saves.
type Indexer struct {
	idx bleve.Index
}

func NewIndexer(idx bleve.Index) *Indexer {
	return &Indexer{idx: idx}
}

func (i *Indexer) IndexFile(entry models.HistoryEntry, path string) error {
	item := ItemFromEntry(entry, path)
	if err := IndexItem(i.idx, item); err != nil {
		return fmt.Errorf("indexing %s: %w", path, err)
	}
	return nil
}

// ItemFromHit rebuilds the string fields of an Item from a search hit's stored fields.
func ItemFromHit(hit *search.DocumentMatch) Item {
	str := func(key string) string {
		if v, ok := hit.Fields[key].(string); ok {
			return v
		}
		return ""
	}
	item := Item{
		ID:            hit.ID,
		Type:          str("type"),
		Name:          str("name"),
		PostTitle:     str("postTitle"),
		PostID:        str("postId"),
		FilePath:      str("filePath"),
		DirectoryPath: str("directoryPath"),
		Creator:       str("creator"),
		Site:          str("site"),
		Hash:          str("hash"),
		FileFormat:    str("fileFormat"),
		MediaType:     str("mediaType"),
		TorrentPath:   str("torrentPath"),
		MagnetLink:    str("magnetLink"),
	}
	if v, ok := hit.Fields["fileSizeKB"].(float64); ok {
		item.FileSizeKB = v
	}
	return item
}
