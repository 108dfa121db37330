// Package classifier implements the Classifier Agent (C4, spec §4.4):
// safety filter, prompt render with separator-hash defense, bounded
// JSON-mode LLM call, post-parse validation, persistence, and handoff
// to the Clarifier or Answer Agent.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/orcherr"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
	"github.com/maice-tutor/orchestrator/pkg/schema"
	"github.com/maice-tutor/orchestrator/pkg/security"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

// Quality is the classifier's top-level verdict.
type Quality string

const (
	QualityAnswerable   Quality = "answerable"
	QualityNeedsClarify Quality = "needs_clarify"
	QualityUnanswerable Quality = "unanswerable"
)

// Result is the full classification payload (spec §4.4 step 4/5).
type Result struct {
	KnowledgeCode           string   `json:"knowledge_code"`
	Quality                 Quality  `json:"quality"`
	MissingFields           []string `json:"missing_fields"`
	UnitTags                []string `json:"unit_tags"`
	Reasoning               string   `json:"reasoning"`
	ClarificationQuestions  []string `json:"clarification_questions"`
	Security                bool     `json:"security,omitempty"`
	UnanswerableReason      string   `json:"unanswerable_reason,omitempty"`
}

// rawResult mirrors the LLM's JSON output before defaulting/coalescing,
// including the legacy `gating` field name (spec §4.4 step 4, supplemented
// feature C.2).
type rawResult struct {
	KnowledgeCode          string   `json:"knowledge_code"`
	Quality                *Quality `json:"quality"`
	Gating                 *Quality `json:"gating"`
	MissingFields          []string `json:"missing_fields"`
	UnitTags               []string `json:"unit_tags"`
	Reasoning              string   `json:"reasoning"`
	ClarificationQuestions []string `json:"clarification_questions"`
}

// Classifier is the C4 pipeline.
type Classifier struct {
	Bus     bus.Bus
	Repo    session.Repository
	LLM     llm.Provider
	Config  *prompt.AgentConfig
	Model   string
	Timeout time.Duration
	Retries int
}

// Input is the envelope payload for `classify_question` (spec §4.4).
type Input struct {
	SessionID     string
	RequestID     string
	Question      string
	Context       string
	IsNewQuestion bool
}

// Classify runs the full C4 pipeline and emits classification_complete
// plus the appropriate handoff envelope.
func (c *Classifier) Classify(ctx context.Context, in Input) (Result, error) {
	dangerPatterns := c.Config.SecuritySettings.ValidationPatterns
	filter := security.NewDangerFilter(dangerPatterns)

	if filter.Matches(in.Question) {
		result := Result{
			Quality:            QualityUnanswerable,
			UnanswerableReason: "security",
			Security:           true,
			Reasoning:          "question matched a configured danger pattern",
		}
		if err := c.persistAndHandoff(ctx, in, result); err != nil {
			return result, err
		}
		return result, nil
	}

	sep := security.NewSeparator(c.Config.SecuritySettings.SafeSeparators)
	system, user := c.Config.RenderBoth("classify", map[string]string{
		"question": sep.Wrap(in.Question),
		"context":  in.Context,
	})

	result, err := c.callWithRetries(ctx, system, user, sep)
	if err != nil {
		return Result{}, err
	}

	if err := c.persistAndHandoff(ctx, in, result); err != nil {
		return result, err
	}

	return result, nil
}

func (c *Classifier) callWithRetries(ctx context.Context, system, user string, sep security.Separator) (Result, error) {
	var lastErr error
	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	delay := 200 * time.Millisecond

	for attempt := 0; attempt < retries; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		}
		res, err := c.LLM.Call(callCtx, []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		}, llm.CallOptions{Model: c.Model, JSONMode: true, Temperature: 0})
		if cancel != nil {
			cancel()
		}
		if err == nil {
			parsed, perr := parseAndValidate(res.Content, sep)
			if perr == nil {
				return parsed, nil
			}
			lastErr = perr
			if k, ok := orcherr.KindOf(perr); ok && k == orcherr.KindSecurity {
				return Result{}, perr
			}
		} else {
			lastErr = orcherr.Wrap(orcherr.KindLLMTransient, "classifier.Classify", err)
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Result{}, lastErr
}

// parseAndValidate rejects output that echoes the separator token with a
// security error, extracts the JSON object, validates it against
// schema.ClassifierResult, and fills defaults (spec §4.4 step 4).
func parseAndValidate(content string, sep security.Separator) (Result, error) {
	if sep.Echoed(content) {
		return Result{}, orcherr.Wrap(orcherr.KindSecurity, "classifier.parseAndValidate",
			fmt.Errorf("model output echoed the separator token"))
	}
	if i, j := strings.Index(content, "{"), strings.LastIndex(content, "}"); i >= 0 && j > i {
		content = content[i : j+1]
	}

	if err := schema.Validate([]byte(schema.ClassifierResult), []byte(content)); err != nil {
		return Result{}, orcherr.Wrap(orcherr.KindValidation, "classifier.parseAndValidate", err)
	}

	var raw rawResult
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return Result{}, orcherr.Wrap(orcherr.KindValidation, "classifier.parseAndValidate", err)
	}

	quality := raw.Quality
	if quality == nil {
		quality = raw.Gating
	}
	if quality == nil {
		q := QualityAnswerable
		quality = &q
	}

	result := Result{
		KnowledgeCode:          raw.KnowledgeCode,
		Quality:                *quality,
		MissingFields:          raw.MissingFields,
		UnitTags:               raw.UnitTags,
		Reasoning:              raw.Reasoning,
		ClarificationQuestions: raw.ClarificationQuestions,
	}
	if result.KnowledgeCode == "" {
		result.KnowledgeCode = "K1"
	}
	if result.MissingFields == nil {
		result.MissingFields = []string{}
	}
	if result.UnitTags == nil {
		result.UnitTags = []string{}
	}
	if result.ClarificationQuestions == nil {
		result.ClarificationQuestions = []string{}
	}
	return result, nil
}

// persistAndHandoff hands the classification off to the next agent and
// emits classification_complete for the Router. The classification
// result itself rides in that envelope's payload rather than a
// dedicated repository call: spec §6's Repository contract has no
// classification-specific persistence method, so the Router's own
// message persistence (classification_complete is not a stored
// message type) is the classification's durable record.
func (c *Classifier) persistAndHandoff(ctx context.Context, in Input, result Result) error {
	payload, err := bus.MarshalPayload(result)
	if err != nil {
		return fmt.Errorf("classifier: marshal result: %w", err)
	}

	switch result.Quality {
	case QualityNeedsClarify:
		if err := c.Bus.Publish(ctx, bus.Envelope{
			Type:        bus.TypeNeedClarification,
			SessionID:   in.SessionID,
			RequestID:   in.RequestID,
			TargetAgent: "Clarifier",
			Payload: map[string]string{
				"question": in.Question,
				"context":  in.Context,
				"result":   payload,
			},
		}); err != nil {
			return orcherr.Wrap(orcherr.KindBusTransient, "classifier.persistAndHandoff", err)
		}
	default:
		if err := c.Bus.Publish(ctx, bus.Envelope{
			Type:        bus.TypeReadyForAnswer,
			SessionID:   in.SessionID,
			RequestID:   in.RequestID,
			TargetAgent: "Answer",
			Payload: map[string]string{
				"question": in.Question,
				"context":  in.Context,
				"result":   payload,
			},
		}); err != nil {
			return orcherr.Wrap(orcherr.KindBusTransient, "classifier.persistAndHandoff", err)
		}
	}

	if err := c.Bus.Send(ctx, bus.Envelope{
		Type:      bus.TypeClassificationComplete,
		SessionID: in.SessionID,
		RequestID: in.RequestID,
		Payload: map[string]string{
			"result":          payload,
			"question":        in.Question,
			"is_new_question": fmt.Sprint(in.IsNewQuestion),
		},
	}); err != nil {
		return orcherr.Wrap(orcherr.KindBusTransient, "classifier.persistAndHandoff", err)
	}

	return nil
}
