package main

import (
	"fmt"

	"github.com/policyrag/policyrag/internal/answer"
	"github.com/policyrag/policyrag/internal/azauth"
	"github.com/policyrag/policyrag/internal/blobstore"
	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/ingest"
	"github.com/policyrag/policyrag/internal/rag"
	"github.com/policyrag/policyrag/internal/search"
	"github.com/policyrag/policyrag/internal/storage"
)

// loadConfig loads configuration and installs the logger it asks for.
var loadConfig = func() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func newSearchClient(cfg config.Config) (*search.Client, error) {
	if err := cfg.RequireSearch(); err != nil {
		return nil, err
	}
	return search.NewClient(cfg.Search.Endpoint, cfg.Search.IndexName, cfg.Search.APIKey, cfg.Search.APIVersion), nil
}

func newGenerator(cfg config.Config) (*answer.Generator, error) {
	if err := cfg.RequireOpenAI(); err != nil {
		return nil, err
	}
	return answer.New(answer.Config{
		Endpoint:    cfg.OpenAI.Endpoint,
		APIKey:      cfg.OpenAI.APIKey,
		Deployment:  cfg.OpenAI.Deployment,
		APIVersion:  cfg.OpenAI.APIVersion,
		Temperature: cfg.OpenAI.Temperature,
	}), nil
}

// newPipeline needs storage settings too: they define each user's folder
// prefix in the index.
func newPipeline(cfg config.Config, store *storage.Store) (*rag.Pipeline, error) {
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}
	sc, err := newSearchClient(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}
	return rag.New(sc, gen, store, rag.Config{
		AccountURL: cfg.Storage.AccountURL,
		Container:  cfg.Storage.Container,
		TopK:       cfg.Search.TopK,
	}), nil
}

func newUploader(cfg config.Config, store *storage.Store) (*ingest.Uploader, error) {
	if err := cfg.RequireStorage(); err != nil {
		return nil, err
	}
	cred, err := azauth.NewCredential(cfg.Azure.TenantID)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.New(cfg.Storage.AccountURL, cfg.Storage.Container, cred)
	if err != nil {
		return nil, err
	}
	return ingest.NewUploader(blobs, store, indexerName(cfg)), nil
}

// indexerName returns the indexer to trigger after uploads, or "" when the
// search service is not fully configured.
func indexerName(cfg config.Config) string {
	if cfg.Search.IndexerName == "" || cfg.RequireSearch() != nil {
		return ""
	}
	return cfg.Search.IndexerName
}
