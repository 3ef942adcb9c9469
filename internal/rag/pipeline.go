// Package rag answers a user's question from the documents in that user's
// folder: a scoped search, a grounded generation, and a persisted record.
package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/policyrag/policyrag/internal/answer"
	"github.com/policyrag/policyrag/internal/blobstore"
	"github.com/policyrag/policyrag/internal/search"
	"github.com/policyrag/policyrag/internal/storage"
)

// Searcher runs a search query.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]search.Document, error)
}

// Generator produces an answer from a question and its documents.
type Generator interface {
	Generate(ctx context.Context, question string, docs []search.Document) (answer.Result, error)
}

// InteractionStore persists question and answer records.
type InteractionStore interface {
	SaveInteraction(i storage.Interaction) error
}

// Config locates user folders and sizes retrieval.
type Config struct {
	AccountURL string
	Container  string
	TopK       int
}

// Answer is the outcome of Ask.
type Answer struct {
	ID      string   `json:"id"`
	Text    string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Pipeline wires search, generation and persistence together.
type Pipeline struct {
	searcher  Searcher
	generator Generator
	store     InteractionStore
	cfg       Config
	logger    *slog.Logger
}

// New creates a Pipeline. TopK defaults to 3 if <= 0.
func New(s Searcher, g Generator, store InteractionStore, cfg Config) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Pipeline{
		searcher:  s,
		generator: g,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default(),
	}
}

// Search returns documents from user's folder only. top <= 0 uses the
// configured TopK.
func (p *Pipeline) Search(ctx context.Context, user, query string, top int) ([]search.Document, error) {
	user, err := blobstore.ValidateUsername(user)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if top <= 0 {
		top = p.cfg.TopK
	}
	return p.searcher.Search(ctx, search.Query{
		Text:       query,
		PathPrefix: blobstore.UserPrefix(p.cfg.AccountURL, p.cfg.Container, user),
		Top:        top,
	})
}

// Ask answers question from user's documents. Every attempt that gets past
// validation is recorded, including failures.
func (p *Pipeline) Ask(ctx context.Context, user, question string) (Answer, error) {
	user, err := blobstore.ValidateUsername(user)
	if err != nil {
		return Answer{}, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, errors.New("question is required")
	}

	rec := storage.Interaction{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Username:  user,
		Question:  question,
	}

	start := time.Now()
	docs, err := p.Search(ctx, user, question, 0)
	if err != nil {
		return Answer{}, p.fail(rec, fmt.Errorf("searching documents: %w", err))
	}

	sources := Sources(docs)
	src, err := json.Marshal(sources)
	if err != nil {
		return Answer{}, fmt.Errorf("marshaling sources: %w", err)
	}
	rec.Sources = string(src)

	res, err := p.generator.Generate(ctx, question, docs)
	if err != nil {
		return Answer{}, p.fail(rec, fmt.Errorf("generating answer: %w", err))
	}

	rec.Answer = res.Text
	rec.Model = res.Model
	rec.Status = storage.InteractionCompleted
	if err := p.store.SaveInteraction(rec); err != nil {
		return Answer{}, fmt.Errorf("recording interaction: %w", err)
	}

	p.logger.Info("question answered",
		"user", user,
		"documents", len(docs),
		"grounded", res.Grounded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Answer{ID: rec.ID, Text: res.Text, Sources: sources}, nil
}

func (p *Pipeline) fail(rec storage.Interaction, err error) error {
	rec.Status = storage.InteractionFailed
	rec.Error = err.Error()
	if saveErr := p.store.SaveInteraction(rec); saveErr != nil {
		p.logger.Error("recording failed interaction", "id", rec.ID, "error", saveErr)
	}
	return err
}

// Sources returns the distinct document sources in retrieval order.
func Sources(docs []search.Document) []string {
	seen := make(map[string]bool, len(docs))
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.Source == "" || seen[d.Source] {
			continue
		}
		seen[d.Source] = true
		out = append(out, d.Source)
	}
	return out
}
