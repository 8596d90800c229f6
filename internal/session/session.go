// Package session orchestrates chat: context assembly over the retriever,
// provider calls (blocking and streaming), message persistence, memory fact
// extraction and conversation summarization.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/retrieval"
	"srg/internal/store"
	"srg/internal/types"
)

// Clamp bounds for per-request options.
const (
	minTopK           = 1
	maxTopK           = 20
	minContextLength  = 500
	maxContextLength  = 16000
	defaultTopK       = 5
	defaultContextLen = 4000

	// historyWindow bounds how many recent messages enter the prompt.
	historyWindow = 10

	defaultMaxContextTokens = 8000
	defaultTemperature      = 0.7
)

const defaultSystemPrompt = `You are an assistant for an invoice and trade
document workspace. Answer from the supplied context and conversation; when
the context does not cover the question, say so. Cite excerpt numbers like
[1] when you use them.`

// Searcher is the retrieval capability used for RAG context.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Orchestrator drives chat sessions.
type Orchestrator struct {
	store     *store.Store
	provider  llm.Provider
	retriever Searcher
}

// New builds an orchestrator. retriever may be nil; RAG is then skipped.
func New(st *store.Store, provider llm.Provider, retriever Searcher) *Orchestrator {
	return &Orchestrator{store: st, provider: provider, retriever: retriever}
}

// Request is one chat turn.
type Request struct {
	SessionID        string `json:"session_id,omitempty"`
	UserText         string `json:"message"`
	UseRAG           bool   `json:"use_rag"`
	TopK             int    `json:"top_k,omitempty"`
	MaxContextLength int    `json:"max_context_length,omitempty"`
	ExtractMemory    bool   `json:"extract_memory"`
}

// Citation points at a retrieved chunk the answer drew on.
type Citation struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// Reply is the blocking response for one turn.
type Reply struct {
	SessionID     string             `json:"session_id"`
	Text          string             `json:"text"`
	Citations     []Citation         `json:"citations"`
	MemoryUpdates []types.MemoryFact `json:"memory_updates,omitempty"`
}

func clampTopK(k int) int {
	switch {
	case k <= 0:
		return defaultTopK
	case k < minTopK:
		return minTopK
	case k > maxTopK:
		return maxTopK
	}
	return k
}

func clampContextLength(n int) int {
	switch {
	case n <= 0:
		return defaultContextLen
	case n < minContextLength:
		return minContextLength
	case n > maxContextLength:
		return maxContextLength
	}
	return n
}

// estimateTokens is the rough chars/4 heuristic used for budget accounting.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// SendMessage runs one blocking chat turn.
func (o *Orchestrator) SendMessage(ctx context.Context, req Request) (*Reply, error) {
	timer := logging.StartTimer(logging.CategorySession, "SendMessage")
	defer timer.Stop()

	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendMessage(ctx, &types.Message{
		SessionID: sess.ID, Role: "user", Content: req.UserText,
		MessageType: types.MessageText, TokenCount: estimateTokens(req.UserText),
	}); err != nil {
		return nil, err
	}

	contextText, citations := o.assembleContext(ctx, req)
	prompt, err := o.buildPrompt(ctx, sess, contextText)
	if err != nil {
		return nil, err
	}

	text, err := o.provider.Generate(ctx, prompt, llm.Options{
		System:      systemPrompt(sess),
		Temperature: sess.Temperature,
	})
	if err != nil {
		return nil, err
	}

	if err := o.persistAssistant(ctx, sess.ID, text, contextText, citations); err != nil {
		return nil, err
	}

	reply := &Reply{SessionID: sess.ID, Text: text, Citations: citations}
	if req.ExtractMemory {
		reply.MemoryUpdates = o.extractFacts(ctx, sess.ID, req.UserText, text)
	}
	if err := o.maybeSummarize(ctx, sess.ID); err != nil {
		logging.Get(logging.CategorySession).Warn("Summarization failed: %v", err)
	}
	return reply, nil
}

// StreamMessage runs one streaming chat turn. The returned channel yields
// model tokens and is terminated by a "[DONE]" sentinel; a mid-stream failure
// yields a final "[ERROR] ..." token instead. The assistant message is
// persisted only after the stream finishes cleanly, so a cancelled consumer
// leaves no partial turn behind.
func (o *Orchestrator) StreamMessage(ctx context.Context, req Request) (<-chan string, *Reply, error) {
	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := o.store.AppendMessage(ctx, &types.Message{
		SessionID: sess.ID, Role: "user", Content: req.UserText,
		MessageType: types.MessageText, TokenCount: estimateTokens(req.UserText),
	}); err != nil {
		return nil, nil, err
	}

	contextText, citations := o.assembleContext(ctx, req)
	prompt, err := o.buildPrompt(ctx, sess, contextText)
	if err != nil {
		return nil, nil, err
	}

	events, err := o.provider.Stream(ctx, prompt, llm.Options{
		System:      systemPrompt(sess),
		Temperature: sess.Temperature,
	})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan string)
	reply := &Reply{SessionID: sess.ID, Citations: citations}
	go func() {
		defer close(out)
		var b strings.Builder
		for ev := range events {
			if ev.Err != nil {
				o.deliver(ctx, out, "[ERROR] "+ev.Err.Error())
				return
			}
			if ev.Token != "" {
				b.WriteString(ev.Token)
				if !o.deliver(ctx, out, ev.Token) {
					return
				}
			}
			if ev.Done {
				break
			}
		}
		if ctx.Err() != nil {
			return
		}
		text := b.String()
		if err := o.persistAssistant(ctx, sess.ID, text, contextText, citations); err != nil {
			o.deliver(ctx, out, "[ERROR] "+err.Error())
			return
		}
		if req.ExtractMemory {
			reply.MemoryUpdates = o.extractFacts(ctx, sess.ID, req.UserText, text)
		}
		if err := o.maybeSummarize(ctx, sess.ID); err != nil {
			logging.Get(logging.CategorySession).Warn("Summarization failed: %v", err)
		}
		o.deliver(ctx, out, "[DONE]")
	}()
	return out, reply, nil
}

// deliver sends a token unless the consumer is gone.
func (o *Orchestrator) deliver(ctx context.Context, out chan<- string, token string) bool {
	select {
	case out <- token:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*types.ChatSession, error) {
	if req.SessionID != "" {
		return o.store.GetSession(ctx, req.SessionID)
	}
	sess := &types.ChatSession{
		Title:            titleFrom(req.UserText),
		MaxContextTokens: defaultMaxContextTokens,
		Temperature:      defaultTemperature,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func titleFrom(text string) string {
	fields := strings.Fields(text)
	if len(fields) > 6 {
		fields = fields[:6]
	}
	title := strings.Join(fields, " ")
	if title == "" {
		title = "New session"
	}
	return title
}

func systemPrompt(sess *types.ChatSession) string {
	if strings.TrimSpace(sess.SystemPrompt) != "" {
		return sess.SystemPrompt
	}
	return defaultSystemPrompt
}

// assembleContext retrieves chunks and packs them into the char budget,
// higher-scored chunks first. Retrieval failures degrade to no context.
func (o *Orchestrator) assembleContext(ctx context.Context, req Request) (string, []Citation) {
	if !req.UseRAG || o.retriever == nil {
		return "", []Citation{}
	}
	resp, err := o.retriever.Search(ctx, retrieval.Request{
		Query:    req.UserText,
		TopK:     clampTopK(req.TopK),
		UseCache: true,
	})
	if err != nil {
		logging.Get(logging.CategorySession).Warn("RAG retrieval failed: %v", err)
		return "", []Citation{}
	}
	return packContext(resp.Results, clampContextLength(req.MaxContextLength))
}

// packContext fills the budget from the top of the ranked list; a chunk that
// does not fit is skipped rather than truncated mid-sentence.
func packContext(results []retrieval.Result, budget int) (string, []Citation) {
	var b strings.Builder
	citations := []Citation{}
	for _, r := range results {
		entry := fmt.Sprintf("[%d] %s\n", len(citations)+1, strings.TrimSpace(r.ChunkText))
		if b.Len()+len(entry) > budget {
			continue
		}
		b.WriteString(entry)
		citations = append(citations, Citation{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Score:      r.Score,
			Snippet:    snippet(r.ChunkText, 160),
		})
	}
	return b.String(), citations
}

func snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// buildPrompt assembles summary, recent history and retrieved context.
func (o *Orchestrator) buildPrompt(ctx context.Context, sess *types.ChatSession, contextText string) (string, error) {
	msgs, err := o.store.GetMessages(ctx, sess.ID, true, 0)
	if err != nil {
		return "", err
	}
	if len(msgs) > historyWindow {
		msgs = msgs[len(msgs)-historyWindow:]
	}

	var b strings.Builder
	if sess.Summary != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(sess.Summary)
		b.WriteString("\n\n")
	}
	if contextText != "" {
		b.WriteString("Retrieved context:\n")
		b.WriteString(contextText)
		b.WriteString("\n")
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString("assistant:")
	return b.String(), nil
}

func (o *Orchestrator) persistAssistant(ctx context.Context, sessionID, text, contextText string, citations []Citation) error {
	sources := ""
	if len(citations) > 0 {
		if data, err := json.Marshal(citations); err == nil {
			sources = string(data)
		}
	}
	return o.store.AppendMessage(ctx, &types.Message{
		SessionID:   sessionID,
		Role:        "assistant",
		Content:     text,
		MessageType: types.MessageText,
		ContextUsed: contextText,
		SourcesJSON: sources,
		TokenCount:  estimateTokens(text),
	})
}
