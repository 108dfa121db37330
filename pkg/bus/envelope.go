// Package bus implements the two message-bus primitives of the
// orchestration core (spec §4.1): a durable per-session ordered
// stream, and an advisory fan-out broadcast channel. Both backends —
// an in-memory one for tests, and a Redis one (Streams + Pub/Sub) for
// real deployments — share the same Envelope wire shape, grounded on
// the original system's event_bus channel/message-type taxonomy.
package bus

import "time"

// EnvelopeType enumerates every envelope `type` field value exchanged
// between the Router and agents. The original Python implementation
// split these across four logical channels (backend→agent,
// agent→backend, agent↔agent, agent-status); this taxonomy keeps every
// one of those message kinds as a single flat type so nothing from the
// original protocol is silently renamed away, even though the
// transport itself is collapsed to one session stream + one broadcast
// channel per spec §9's redesign.
type EnvelopeType string

const (
	// Router → Classifier
	TypeClassifyQuestion EnvelopeType = "classify_question"
	// Router → Clarifier
	TypeProcessClarification EnvelopeType = "process_clarification"

	// Classifier → Router (session stream)
	TypeClassificationComplete EnvelopeType = "classification_complete"
	// Classifier → Clarifier (broadcast)
	TypeNeedClarification EnvelopeType = "need_clarification"
	// Classifier/Clarifier → Answer (broadcast)
	TypeReadyForAnswer EnvelopeType = "ready_for_answer"

	// Clarifier → Router (session stream)
	TypeClarificationQuestion EnvelopeType = "clarification_question"
	// Clarifier → Router (advisory)
	TypeClarificationSufficient EnvelopeType = "clarification_sufficient"
	// Clarifier → Answer (broadcast)
	TypeGenerateAnswer EnvelopeType = "generate_answer"

	// Answer → Router (session stream)
	TypeStreamingChunk   EnvelopeType = "streaming_chunk"
	TypeStreamingComplete EnvelopeType = "streaming_complete"
	TypeAnswerResult     EnvelopeType = "answer_result"
	TypeAnswerComplete   EnvelopeType = "answer_complete"
	// Answer → Observer (broadcast)
	TypeGenerateSummary EnvelopeType = "generate_summary"

	// Context Assembler → Observer (broadcast, advisory)
	TypeUpdateSummary EnvelopeType = "update_summary"

	// Observer → Router (session stream)
	TypeSummaryStart    EnvelopeType = "summary_start"
	TypeSummaryProgress EnvelopeType = "summary_progress"
	TypeSummaryComplete EnvelopeType = "summary_complete"

	// Any agent → Router
	TypeError EnvelopeType = "error"
)

// Envelope is the bus wire shape: a string→string map plus the
// type-specific payload fields JSON-encoded inline (spec §4.1).
type Envelope struct {
	ID          string            `json:"id"`
	Type        EnvelopeType      `json:"type"`
	SessionID   string            `json:"session_id"`
	RequestID   string            `json:"request_id"`
	TargetAgent string            `json:"target_agent,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Payload     map[string]string `json:"payload"`
}

// MaxEnvelopeBytes bounds the JSON-encoded envelope size; senders
// reject oversized payloads rather than ever relying on jumbo
// envelopes (spec §4.1).
const MaxEnvelopeBytes = 256 * 1024

// Get returns a payload field, or "" if absent.
func (e Envelope) Get(key string) string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload[key]
}
