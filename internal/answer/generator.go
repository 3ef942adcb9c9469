// Package answer produces answers grounded in retrieved documents using an
// Azure OpenAI chat deployment.
package answer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/policyrag/policyrag/internal/search"
)

// NoDocumentsAnswer is returned, without calling the model, when retrieval
// found nothing.
const NoDocumentsAnswer = "No relevant documents found. (Did the Indexer run?)"

const systemInstruction = "You are a helpful assistant. Answer based only on context."

// Config selects the Azure OpenAI deployment.
type Config struct {
	Endpoint    string
	APIKey      string
	Deployment  string
	APIVersion  string
	Temperature float64
}

// Result is a generated answer.
type Result struct {
	Text  string
	Model string
	// Grounded is false when no documents were available and the fixed
	// NoDocumentsAnswer was returned.
	Grounded bool
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator calls one chat deployment.
type Generator struct {
	client      chatAPI
	deployment  string
	temperature float32
}

// New creates a Generator for cfg.
func New(cfg Config) *Generator {
	oc := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		oc.APIVersion = cfg.APIVersion
	}
	deployment := cfg.Deployment
	oc.AzureModelMapperFunc = func(string) string { return deployment }

	return &Generator{
		client:      openai.NewClientWithConfig(oc),
		deployment:  deployment,
		temperature: float32(cfg.Temperature),
	}
}

// Generate answers question from docs.
func (g *Generator) Generate(ctx context.Context, question string, docs []search.Document) (Result, error) {
	if len(docs) == 0 {
		return Result{Text: NoDocumentsAnswer}, nil
	}

	// go-openai omits a zero temperature, which leaves the service default.
	temp := g.temperature
	if temp == 0 {
		temp = math.SmallestNonzeroFloat32
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.deployment,
		Messages:    Messages(question, docs),
		Temperature: temp,
	})
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("chat completion returned no choices")
	}

	model := resp.Model
	if model == "" {
		model = g.deployment
	}
	return Result{
		Text:     resp.Choices[0].Message.Content,
		Model:    model,
		Grounded: true,
	}, nil
}

// Messages builds the chat messages for question over docs.
func Messages(question string, docs []search.Document) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemInstruction},
		{Role: openai.ChatMessageRoleUser, Content: "Context:\n" + ContextText(docs) + "\n\nQuestion: " + question},
	}
}

// ContextText renders docs as Source/Content blocks separated by blank lines.
func ContextText(docs []search.Document) string {
	blocks := make([]string, len(docs))
	for i, d := range docs {
		blocks[i] = "Source: " + d.Source + "\nContent: " + d.Content
	}
	return strings.Join(blocks, "\n\n")
}
