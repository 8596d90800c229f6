package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"srg/internal/apperr"
	"srg/internal/config"
)

// =============================================================================
// GENAI PROVIDER - Google Gemini API
// =============================================================================

// GenAI generates text and embeddings through the Google GenAI SDK.
type GenAI struct {
	client     *genai.Client
	model      string
	embedModel string
}

// NewGenAI creates the cloud provider. Requires an API key.
func NewGenAI(cfg *config.Config) (*GenAI, error) {
	if cfg.LLM.APIKey == "" {
		return nil, apperr.New(apperr.CodeConfigError, "genai provider requires LLM_API_KEY")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.LLM.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.LLM.ModelName
	if model == "" {
		model = "gemini-2.0-flash"
	}
	embedModel := cfg.Embed.ModelName
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	return &GenAI{client: client, model: model, embedModel: embedModel}, nil
}

func (g *GenAI) Identifier() string { return fmt.Sprintf("genai:%s", g.model) }

func (g *GenAI) genConfig(opts Options) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if opts.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.System, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		cfg.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func (g *GenAI) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.genConfig(opts))
	if err != nil {
		return "", classify("generate", err)
	}
	return result.Text(), nil
}

func (g *GenAI) Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for result, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.genConfig(opts)) {
			if err != nil {
				select {
				case ch <- StreamEvent{Err: classify("stream", err), Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if text := result.Text(); text != "" {
				select {
				case ch <- StreamEvent{Token: text}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case ch <- StreamEvent{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *GenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	result, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeEmbeddingError, "genai embed failed", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, apperr.New(apperr.CodeEmbeddingError,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = L2Normalize(e.Values)
	}
	return out, nil
}

func (g *GenAI) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (g *GenAI) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	_, err := g.EmbedSingle(ctx, "ping")
	h := Health{
		Available:  err == nil,
		LatencyMS:  time.Since(start).Milliseconds(),
		Identifier: g.Identifier(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
