package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/aegis/internal/anthropic"
	"github.com/MikeSquared-Agency/aegis/internal/model"
)

// acceptQuality is the lowest guardian quality score whose refined suggestion
// replaces the rule's own.
const acceptQuality = 7

// Completer is the LLM call the guardian needs.
type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error)
}

// Guardian asks an LLM for a second opinion on each finding.
type Guardian struct {
	llm    Completer
	logger *slog.Logger
}

func NewGuardian(llm Completer, logger *slog.Logger) *Guardian {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{llm: llm, logger: logger}
}

type guardianReply struct {
	Verdict      string `json:"verdict"`
	Reason       string `json:"reason"`
	QualityScore int    `json:"quality_score"`
	Suggestion   string `json:"suggestion"`
}

func (g *Guardian) Review(ctx context.Context, f model.Finding, windowText string) (Outcome, error) {
	prompt := fmt.Sprintf(guardianUserPrompt,
		windowText,
		f.Span.Text,
		f.Category,
		f.Severity,
		f.Confidence,
		f.Message,
		f.Suggestion,
	)

	raw, err := g.llm.Complete(ctx, guardianSystemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 512)
	if err != nil {
		return Outcome{}, fmt.Errorf("guardian review: %w", err)
	}

	var reply guardianReply
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(raw)), &reply); err != nil {
		g.logger.Error("failed to parse guardian response", "error", err, "raw", raw)
		return Outcome{}, fmt.Errorf("parse guardian response: %w", err)
	}

	refined := f
	note := reply.Reason
	if s := strings.TrimSpace(reply.Suggestion); s != "" {
		if reply.QualityScore >= acceptQuality {
			refined.Suggestion = s
		} else {
			note = fmt.Sprintf("guardian quality score %d below %d, kept rule suggestion", reply.QualityScore, acceptQuality)
		}
	}

	var out Outcome
	switch strings.ToLower(strings.TrimSpace(reply.Verdict)) {
	case "approve", "approved":
		out = Approve(refined)
		out.Reason = note
	case "suppress", "suppressed", "reject":
		out = Suppress(f, reply.Reason)
	case "downgrade", "downgraded":
		out = Downgrade(refined, f.Severity.Downgrade(), reply.Reason)
	default:
		return Outcome{}, fmt.Errorf("guardian verdict %q not recognized", reply.Verdict)
	}
	out.QualityScore = reply.QualityScore
	return out, nil
}

const guardianSystemPrompt = `You are a compliance quality reviewer. A rule engine flagged language in a live advisor conversation and proposed a compliant alternative.

Check that:
- the flagged language really is a compliance risk in context and not a false positive on ambiguous, negated, hypothetical or quoted speech
- the suggested alternative is accurate, does not invent facts and does not introduce new risk
- the suggestion is clear enough to say out loud

Rate the suggestion quality from 0 to 10, where 10 is perfect. You may return an improved suggestion.`

const guardianUserPrompt = `Conversation window:
---
%s
---

Flagged text: %q
Category: %s
Severity: %s
Rule confidence: %.2f
Rule message: %s
Suggested alternative: %s

Respond with valid JSON matching this schema:
{
  "verdict": "approve|suppress|downgrade",
  "reason": "string",
  "quality_score": 0-10,
  "suggestion": "string or empty"
}

Return ONLY the JSON object, no markdown fences or other text.`
