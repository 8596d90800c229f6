package session

import (
	"context"
	"fmt"
	"strings"

	"srg/internal/jsonx"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/types"
)

// =============================================================================
// MEMORY FACT EXTRACTION
// =============================================================================

const memorySystem = `Extract durable facts from this chat exchange as JSON:
{"facts": [{"fact_type": "user_preference|document_context|entity|relationship|temporal",
"key": "...", "value": "...", "confidence": 0.0}]}
Only include facts worth remembering across turns. Respond with JSON only.`

type factReply struct {
	Facts []struct {
		FactType   string  `json:"fact_type"`
		Key        string  `json:"key"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

var validFactTypes = map[types.FactType]bool{
	types.FactUserPreference:  true,
	types.FactDocumentContext: true,
	types.FactEntity:          true,
	types.FactRelationship:    true,
	types.FactTemporal:        true,
}

// extractFacts runs the secondary provider call and upserts the results.
// Failures are logged and swallowed: memory is best-effort and never blocks
// the turn.
func (o *Orchestrator) extractFacts(ctx context.Context, sessionID, userText, assistantText string) []types.MemoryFact {
	prompt := fmt.Sprintf("user: %s\nassistant: %s", userText, assistantText)
	out, err := o.provider.Generate(ctx, prompt, llm.Options{
		System:      memorySystem,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Fact extraction failed: %v", err)
		return nil
	}

	var reply factReply
	if err := jsonx.Recover(out, &reply); err != nil {
		logging.SessionDebug("Fact extraction returned unusable JSON: %v", err)
		return nil
	}

	var saved []types.MemoryFact
	for _, f := range reply.Facts {
		key := strings.TrimSpace(f.Key)
		if key == "" || strings.TrimSpace(f.Value) == "" {
			continue
		}
		factType := types.FactType(f.FactType)
		if !validFactTypes[factType] {
			factType = types.FactEntity
		}
		confidence := f.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}
		fact := types.MemoryFact{
			SessionID:  sessionID,
			FactType:   factType,
			Key:        key,
			Value:      strings.TrimSpace(f.Value),
			Confidence: confidence,
		}
		if err := o.store.UpsertMemoryFact(ctx, &fact); err != nil {
			logging.Get(logging.CategorySession).Warn("Fact upsert failed: %v", err)
			continue
		}
		saved = append(saved, fact)
	}
	if len(saved) > 0 {
		logging.SessionDebug("Session %s: %d memory facts saved", sessionID, len(saved))
	}
	return saved
}
