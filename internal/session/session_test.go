package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"srg/internal/llm"
	"srg/internal/retrieval"
	"srg/internal/store"
	"srg/internal/types"
)

func newTestOrchestrator(t *testing.T, provider llm.Provider) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.OpenPath(":memory:", 1, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if provider == nil {
		provider = llm.NewStatic(8)
	}
	return New(st, provider, nil), st
}

func TestClamps(t *testing.T) {
	assert.Equal(t, defaultTopK, clampTopK(0))
	assert.Equal(t, maxTopK, clampTopK(99))
	assert.Equal(t, 7, clampTopK(7))

	assert.Equal(t, defaultContextLen, clampContextLength(0))
	assert.Equal(t, minContextLength, clampContextLength(100))
	assert.Equal(t, maxContextLength, clampContextLength(50000))
}

func TestSendMessageCreatesSessionAndPersistsTurn(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	ctx := context.Background()

	reply, err := o.SendMessage(ctx, Request{UserText: "what did we pay for cable last month"})
	require.NoError(t, err)
	require.NotEmpty(t, reply.SessionID)
	assert.NotEmpty(t, reply.Text)

	sess, err := st.GetSession(ctx, reply.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "what did we pay for cable", sess.Title)
	assert.Equal(t, defaultMaxContextTokens, sess.MaxContextTokens)

	msgs, err := st.GetMessages(ctx, reply.SessionID, false, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, reply.Text, msgs[1].Content)
}

func TestSendMessageUnknownSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	_, err := o.SendMessage(context.Background(), Request{
		SessionID: "nope", UserText: "hello",
	})
	require.Error(t, err)
}

func TestPackContextPrefersHigherScores(t *testing.T) {
	results := []retrieval.Result{
		{ChunkID: 1, DocumentID: 1, Score: 1.0, ChunkText: "short one"},
		{ChunkID: 2, DocumentID: 2, Score: 0.8, ChunkText: "this chunk is far too long to fit inside the remaining budget at all"},
		{ChunkID: 3, DocumentID: 3, Score: 0.5, ChunkText: "tiny"},
	}
	text, citations := packContext(results, 30)

	require.Len(t, citations, 2)
	assert.Equal(t, int64(1), citations[0].ChunkID)
	assert.Equal(t, int64(3), citations[1].ChunkID)
	assert.Contains(t, text, "[1] short one")
	assert.Contains(t, text, "[2] tiny")
}

// factProvider answers chat turns and returns one fact for memory extraction.
type factProvider struct {
	llm.Provider
	factValue string
}

func (p *factProvider) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	if opts.JSONMode {
		return `{"facts":[{"fact_type":"entity","key":"preferred_seller","value":"` +
			p.factValue + `","confidence":0.9}]}`, nil
	}
	return "noted", nil
}

func TestMemoryFactExtractionAndUpsert(t *testing.T) {
	p := &factProvider{Provider: llm.NewStatic(8), factValue: "Gulf Steel"}
	o, st := newTestOrchestrator(t, p)
	ctx := context.Background()

	reply, err := o.SendMessage(ctx, Request{UserText: "we buy from Gulf Steel", ExtractMemory: true})
	require.NoError(t, err)
	require.Len(t, reply.MemoryUpdates, 1)
	assert.Equal(t, "preferred_seller", reply.MemoryUpdates[0].Key)

	// Same key again with a new value updates in place.
	p.factValue = "Emirates Metals"
	_, err = o.SendMessage(ctx, Request{
		SessionID: reply.SessionID, UserText: "actually Emirates Metals now", ExtractMemory: true,
	})
	require.NoError(t, err)

	facts, err := st.GetMemoryFacts(ctx, reply.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Emirates Metals", facts[0].Value)
	assert.Equal(t, 1, facts[0].AccessCount, "re-upserting an existing key bumps the counter")
}

func TestSummarizationFoldsOldestHalf(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	ctx := context.Background()

	sess := &types.ChatSession{Title: "budget test", MaxContextTokens: 10, Temperature: 0.5}
	require.NoError(t, st.CreateSession(ctx, sess))

	_, err := o.SendMessage(ctx, Request{
		SessionID: sess.ID,
		UserText:  "a deliberately long message that pushes the session over its tiny token budget",
	})
	require.NoError(t, err)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Summary)
	assert.Equal(t, 1, got.SummaryMessageCount)

	active, err := st.GetMessages(ctx, sess.ID, true, 0)
	require.NoError(t, err)
	all, err := st.GetMessages(ctx, sess.ID, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "history keeps folded messages")
	require.Len(t, active, 1, "oldest half left prompt assembly")
	assert.Equal(t, "assistant", active[0].Role)
}

func TestStreamDeliversTokensAndDoneSentinel(t *testing.T) {
	o, st := newTestOrchestrator(t, nil)
	ctx := context.Background()

	out, reply, err := o.StreamMessage(ctx, Request{UserText: "stream me"})
	require.NoError(t, err)

	var tokens []string
	for tok := range out {
		tokens = append(tokens, tok)
	}
	require.NotEmpty(t, tokens)
	assert.Equal(t, "[DONE]", tokens[len(tokens)-1])

	msgs, err := st.GetMessages(ctx, reply.SessionID, false, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "static provider: no model configured", msgs[1].Content)
}

// hangingProvider emits one token and then blocks until the context dies.
type hangingProvider struct{ llm.Provider }

func (p *hangingProvider) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		select {
		case ch <- llm.StreamEvent{Token: "partial"}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestStreamCancellationPersistsNothing(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
	})

	o, st := newTestOrchestrator(t, &hangingProvider{Provider: llm.NewStatic(8)})
	ctx, cancel := context.WithCancel(context.Background())

	out, reply, err := o.StreamMessage(ctx, Request{UserText: "doomed turn"})
	require.NoError(t, err)

	first := <-out
	assert.Equal(t, "partial", first)
	cancel()

	var rest []string
	for tok := range out {
		rest = append(rest, tok)
	}
	assert.NotContains(t, rest, "[DONE]")

	msgs, err := st.GetMessages(context.Background(), reply.SessionID, false, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message survives a cancelled stream")
	assert.Equal(t, "user", msgs[0].Role)
}
