package cmd

import (
	"net/http"

	"go-kemono-download/index"
	"go-kemono-download/internal/database"
	"go-kemono-download/internal/events"
	"go-kemono-download/internal/knownnames"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/orchestrator"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

// stores holds the history database and search index a session writes to. Either may be nil.
type stores struct {
	history *database.DB
	bleve   bleve.Index
}

func openStores(cfg models.Config) (*stores, error) {
	s := &stores{}
	if cfg.UseHistory && cfg.DatabasePath != "" {
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		s.history = db
	}
	if cfg.IndexDownloads && cfg.BleveIndexPath != "" {
		idx, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.bleve = idx
	}
	return s, nil
}

func (s *stores) Close() {
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.WithError(err).Error("Error closing history database")
		}
	}
	if s.bleve != nil {
		if err := s.bleve.Close(); err != nil {
			log.WithError(err).Error("Error closing search index")
		}
	}
}

// sessionOptions builds the orchestrator options shared by the download and retry commands.
func (s *stores) sessionOptions(sink events.Sink, registry *knownnames.Registry) orchestrator.Options {
	opts := orchestrator.Options{
		Sink:      sink,
		APIClient: &http.Client{Transport: globalHttpTransport},
		Registry:  registry,
	}
	if s.history != nil {
		opts.History = s.history
	}
	if s.bleve != nil {
		opts.Index = index.NewIndexer(s.bleve)
	}
	return opts
}

func loadRegistry(cfg models.Config) *knownnames.Registry {
	registry := knownnames.NewRegistry()
	if err := registry.Load(cfg.KnownNamesPath); err != nil {
		log.WithError(err).Warnf("Could not load known names from %s", cfg.KnownNamesPath)
	}
	return registry
}
