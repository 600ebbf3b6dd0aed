package model

import "time"

// Reference points at the reference-document passage that backed a semantic match.
type Reference struct {
	Source string  `json:"source"`
	Chunk  string  `json:"chunk_id"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Finding is a candidate compliance issue detected in a single window.
type Finding struct {
	ID         string     `json:"id"`
	WindowID   string     `json:"window_id"`
	WindowSeq  uint64     `json:"window_seq"`
	RuleID     string     `json:"rule_id"`
	Category   string     `json:"category"`
	Severity   Severity   `json:"severity"`
	Confidence float64    `json:"confidence"`
	Span       Span       `json:"matched_span"`
	Suggestion string     `json:"suggested_alternative"`
	Message    string     `json:"message"`
	Reference  *Reference `json:"reference,omitempty"`
	Supersedes string     `json:"supersedes,omitempty"` // finding id of an earlier, weaker finding on the same span
}

// DedupKey identifies the same rule firing on the same utterance across windows.
func (f Finding) DedupKey() string {
	return f.RuleID + "|" + f.Span.Key()
}

// Alert is the user-facing record emitted for an approved finding.
type Alert struct {
	ID         string    `json:"id"`
	FindingID  string    `json:"finding_id"`
	SessionID  string    `json:"session_id"`
	WindowID   string    `json:"window_id"`
	WindowSeq  uint64    `json:"window_seq"`
	RuleID     string    `json:"rule_id"`
	Category   string    `json:"category"`
	Severity   Severity  `json:"severity"`
	Confidence float64   `json:"confidence"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion"`
	Excerpt    string    `json:"excerpt"`
	StartSec   float64   `json:"start_sec"`
	EndSec     float64   `json:"end_sec"`
	Speaker    string    `json:"speaker,omitempty"`
	EmittedAt  time.Time `json:"emitted_at"`
	Unreviewed bool      `json:"unreviewed"`
	ReviewNote string    `json:"review_note,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"` // alert id this alert corrects
}

// AlertRecord is a stored alert with the human feedback it has received.
type AlertRecord struct {
	Alert
	FeedbackStatus string     `json:"feedback_status"`
	FeedbackNote   string     `json:"feedback_note,omitempty"`
	FeedbackAt     *time.Time `json:"feedback_at,omitempty"`
}
