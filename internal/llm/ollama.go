package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"srg/internal/apperr"
	"srg/internal/config"
	"srg/internal/logging"
)

// =============================================================================
// OLLAMA PROVIDER - local HTTP-server-backed model
// =============================================================================

// Ollama talks to a local Ollama server over HTTP. It implements the full
// capability set including vision captioning for multimodal models.
type Ollama struct {
	host       string
	model      string
	embedModel string
	client     *http.Client
}

// NewOllama creates the local HTTP-server-backed provider.
func NewOllama(cfg *config.Config) (*Ollama, error) {
	host := cfg.LLM.Host
	if host == "" {
		host = "http://localhost:11434"
	}
	return &Ollama{
		host:       host,
		model:      cfg.LLM.ModelName,
		embedModel: cfg.Embed.ModelName,
		// The transport timeout is generous; per-call deadlines come from ctx.
		client: &http.Client{Timeout: 0},
	}, nil
}

func (o *Ollama) Identifier() string { return fmt.Sprintf("ollama:%s", o.model) }

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Stream  bool                   `json:"stream"`
	Format  string                 `json:"format,omitempty"`
	Images  []string               `json:"images,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// classify converts transport-level failures into the stable llm error kinds.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeLLMTimeout, op+" timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.CodeLLMTimeout, op+" timed out", err)
	}
	return apperr.Wrap(apperr.CodeLLMUnavailable, op+" failed", err).
		WithHint("check that the model server is running")
}

func (o *Ollama) options(opts Options) map[string]interface{} {
	m := map[string]interface{}{}
	if opts.Temperature > 0 {
		m["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		m["num_predict"] = opts.MaxTokens
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Generate produces a single completion.
func (o *Ollama) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "ollama.Generate")
	defer timer.Stop()

	req := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  opts.System,
		Stream:  false,
		Options: o.options(opts),
	}
	if opts.JSONMode {
		req.Format = "json"
	}

	var resp ollamaGenerateResponse
	if err := o.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", apperr.New(apperr.CodeLLMUnavailable, "model error: "+resp.Error)
	}
	return resp.Response, nil
}

// Stream produces a lazy finite token sequence. The goroutine reading the
// response body exits when the consumer's ctx is cancelled, releasing the
// network handle.
func (o *Ollama) Stream(ctx context.Context, prompt string, opts Options) (<-chan StreamEvent, error) {
	req := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  opts.System,
		Stream:  true,
		Options: o.options(opts),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classify("stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apperr.New(apperr.CodeLLMUnavailable,
			fmt.Sprintf("model server returned status %d: %s", resp.StatusCode, string(b)))
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				select {
				case ch <- StreamEvent{Err: apperr.New(apperr.CodeLLMUnavailable, chunk.Error), Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Response != "" {
				select {
				case ch <- StreamEvent{Token: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				break
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- StreamEvent{Err: classify("stream", err), Done: true}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- StreamEvent{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Embed generates embeddings for multiple texts. Ollama has no native batch
// endpoint, so texts are embedded sequentially.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := o.EmbedSingle(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// EmbedSingle generates one L2-normalized embedding.
func (o *Ollama) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var resp ollamaEmbedResponse
	if err := o.postJSON(ctx, "/api/embeddings", ollamaEmbedRequest{Model: o.embedModel, Prompt: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, apperr.New(apperr.CodeEmbeddingError, "empty embedding returned")
	}
	return L2Normalize(resp.Embedding), nil
}

// CheckHealth probes the server's tag listing.
func (o *Ollama) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, "GET", o.host+"/api/tags", nil)
	if err != nil {
		return Health{Identifier: o.Identifier(), Error: err.Error()}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Health{Identifier: o.Identifier(), Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	h := Health{
		Available:  resp.StatusCode == http.StatusOK,
		LatencyMS:  time.Since(start).Milliseconds(),
		Identifier: o.Identifier(),
	}
	if !h.Available {
		h.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return h
}

// Caption sends an image to a multimodal model.
func (o *Ollama) Caption(ctx context.Context, image []byte, prompt string) (string, error) {
	req := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
	}
	var resp ollamaGenerateResponse
	if err := o.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", apperr.New(apperr.CodeLLMUnavailable, "model error: "+resp.Error)
	}
	return resp.Response, nil
}

func (o *Ollama) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", o.host+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return classify(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return apperr.New(apperr.CodeLLMUnavailable,
			fmt.Sprintf("model server returned status %d: %s", resp.StatusCode, string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeLLMUnavailable, "unparseable model response", err)
	}
	return nil
}
