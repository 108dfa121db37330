// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session holds the Session/Message data model and the
// Repository contract every Router and agent persists through. Two
// implementations are provided: an in-memory one for tests and
// single-process demos, and a Postgres-backed one (pgx) for real
// deployments.
package session

import (
	"errors"
	"time"
)

// Stage is the session's current position in the conversation
// state machine (spec §3).
type Stage string

const (
	StageInitial            Stage = "initial"
	StageClarification      Stage = "clarification"
	StageGeneratingAnswer   Stage = "generating_answer"
	StageReadyForNewQuestion Stage = "ready_for_new_question"
)

// Sender identifies who authored a Message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderMaice Sender = "maice"
)

// MessageType is the full taxonomy of message tags. Only the first
// six are user-visible; the rest are internal/operational and are
// stored but filtered from any client-facing history.
type MessageType string

const (
	TypeUserQuestion             MessageType = "user_question"
	TypeUserClarificationAnswer  MessageType = "user_clarification_response"
	TypeUserFollowUp             MessageType = "user_follow_up"
	TypeMaiceClarificationAsk    MessageType = "maice_clarification_question"
	TypeMaiceAnswer              MessageType = "maice_answer"
	TypeMaiceFollowUp            MessageType = "maice_follow_up"

	TypeMaiceProcessing MessageType = "maice_processing"
	TypeError           MessageType = "error"
	TypeSummaryComplete MessageType = "summary_complete"
)

// visibleTypes are the message types returned by GetConversationHistory.
var visibleTypes = map[MessageType]bool{
	TypeUserQuestion:            true,
	TypeUserClarificationAnswer: true,
	TypeUserFollowUp:            true,
	TypeMaiceClarificationAsk:   true,
	TypeMaiceAnswer:             true,
	TypeMaiceFollowUp:           true,
}

// IsVisible reports whether t is a user-visible message type.
func (t MessageType) IsVisible() bool { return visibleTypes[t] }

// DuplicateSuppressionWindow is the coalescing window for repeated
// maice messages (spec §3 invariant).
const DuplicateSuppressionWindow = 30 * time.Second

// Session is the ordered conversation unit (spec §3).
type Session struct {
	ID                  int64
	UserID              string
	Title               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CurrentStage        Stage
	LastMessageType     MessageType
	ConversationSummary *string
	LastSummaryAt       *time.Time
}

// Message is a single turn, either from the user or from MAICE.
type Message struct {
	ID          int64
	SessionID   int64
	Sender      Sender
	Content     string
	MessageType MessageType
	ParentID    *int64
	RequestID   string
	CreatedAt   time.Time
}

// ErrForbidden is returned by any Repository method when the supplied
// user_id does not own the target session (spec §6 access control).
var ErrForbidden = errors.New("session: caller does not own this session")

// ErrNotFound is returned when a session_id does not exist.
var ErrNotFound = errors.New("session: not found")

// SessionStateUpdate is a sparse set of Session fields to apply via
// UpdateSessionState. Nil fields are left untouched.
type SessionStateUpdate struct {
	CurrentStage    *Stage
	LastMessageType *MessageType
}
