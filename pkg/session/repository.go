// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package session

import "context"

// Repository is the external collaborator named in spec §6. The
// Router and agents never touch storage directly; they call through
// this contract so the bus remains the source of truth and a
// repository outage degrades to "log and continue" rather than a
// broken user flow (spec §7, kind=repository).
type Repository interface {
	// CreateSession creates a new session for userID, seeded with the
	// question that triggered creation, and returns its id.
	CreateSession(ctx context.Context, userID, initialQuestion string) (int64, error)

	// SaveUserMessage persists a user-authored message and returns its id.
	SaveUserMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error)

	// SaveMaiceMessage persists a MAICE-authored message, applying the
	// 30-second duplicate-suppression rule (spec §3) except for
	// TypeMaiceClarificationAsk. Returns the id of the row that now
	// represents this message (new or coalesced).
	SaveMaiceMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error)

	// GetConversationHistory returns the session's user-visible messages
	// in chronological order. userID, if non-empty, must match the
	// session owner or ErrForbidden is returned.
	GetConversationHistory(ctx context.Context, sessionID int64, userID string) ([]Message, error)

	// GetRecentMessages returns up to limit of the most recent
	// user-visible messages, oldest-first.
	GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error)

	// UpdateSessionState applies a sparse update to a session's
	// current_stage/last_message_type.
	UpdateSessionState(ctx context.Context, sessionID int64, update SessionStateUpdate) error

	// SaveSummary stores a new rolling conversation_summary and bumps
	// last_summary_at.
	SaveSummary(ctx context.Context, sessionID int64, userID, originalQuestion, summary, requestID string) error

	// UpdateSessionTitle sets the session's mutable title.
	UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error

	// GetSession returns the session row itself, for stage/ownership checks.
	GetSession(ctx context.Context, sessionID int64) (*Session, error)
}
