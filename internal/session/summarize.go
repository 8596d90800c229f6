package session

import (
	"context"
	"fmt"
	"strings"

	"srg/internal/llm"
	"srg/internal/logging"
)

// =============================================================================
// CONVERSATION SUMMARIZATION
// =============================================================================

const summarySystem = `Summarize this conversation segment in a compact
paragraph. Keep invoice numbers, amounts, material names and decisions;
drop pleasantries.`

// maybeSummarize folds the oldest half of the active messages into the
// session summary once the token total exceeds the session's budget. Folded
// messages stay on disk for history endpoints but leave prompt assembly.
func (o *Orchestrator) maybeSummarize(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.MaxContextTokens <= 0 || sess.TotalTokens <= sess.MaxContextTokens {
		return nil
	}

	msgs, err := o.store.GetMessages(ctx, sessionID, true, 0)
	if err != nil {
		return err
	}
	half := len(msgs) / 2
	if half == 0 {
		return nil
	}
	oldest := msgs[:half]

	var b strings.Builder
	if sess.Summary != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(sess.Summary)
		b.WriteString("\n\n")
	}
	for _, m := range oldest {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	summary, err := o.provider.Generate(ctx, b.String(), llm.Options{
		System:      summarySystem,
		Temperature: 0,
	})
	if err != nil {
		return err
	}

	ids := make([]int64, 0, half)
	folded := 0
	for _, m := range oldest {
		ids = append(ids, m.ID)
		folded += m.TokenCount
	}
	if err := o.store.MarkMessagesSummarized(ctx, sessionID, ids); err != nil {
		return err
	}

	sess.Summary = summary
	sess.SummaryMessageCount += half
	sess.TotalTokens -= folded
	if sess.TotalTokens < 0 {
		sess.TotalTokens = 0
	}
	sess.TotalTokens += estimateTokens(summary)
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	logging.Session("Session %s: folded %d messages into summary", sessionID, half)
	return nil
}
