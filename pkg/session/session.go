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

package session

import (
	"context"
	"sync"
	"time"
)

// memoryRepository is an in-process Repository, the same shape as the
// teacher's original map-plus-RWMutex session store: a single lock
// guards a map keyed by an incrementing id, with no external
// dependency. Used by tests and single-process demos.
type memoryRepository struct {
	mu        sync.RWMutex
	sessions  map[int64]*Session
	messages  map[int64][]*Message
	nextSess  int64
	nextMsg   int64
}

// NewMemoryRepository returns a Repository backed entirely by
// in-process maps.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		sessions: make(map[int64]*Session),
		messages: make(map[int64][]*Message),
	}
}

func (r *memoryRepository) CreateSession(ctx context.Context, userID, initialQuestion string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSess++
	id := r.nextSess
	now := time.Now()
	r.sessions[id] = &Session{
		ID:           id,
		UserID:       userID,
		Title:        truncateTitle(initialQuestion),
		CreatedAt:    now,
		UpdatedAt:    now,
		CurrentStage: StageInitial,
	}
	return id, nil
}

func truncateTitle(q string) string {
	const max = 50
	r := []rune(q)
	if len(r) <= max {
		return q
	}
	return string(r[:max-1]) + "…"
}

func (r *memoryRepository) checkOwner(sess *Session, userID string) error {
	if userID != "" && sess.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func (r *memoryRepository) SaveUserMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	if err := r.checkOwner(sess, userID); err != nil {
		return 0, err
	}
	r.nextMsg++
	id := r.nextMsg
	msg := &Message{
		ID:          id,
		SessionID:   sessionID,
		Sender:      SenderUser,
		Content:     content,
		MessageType: msgType,
		ParentID:    parentID,
		RequestID:   requestID,
		CreatedAt:   time.Now(),
	}
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	return id, nil
}

func (r *memoryRepository) SaveMaiceMessage(ctx context.Context, sessionID int64, userID, content string, msgType MessageType, parentID *int64, requestID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	if err := r.checkOwner(sess, userID); err != nil {
		return 0, err
	}

	if msgType != TypeMaiceClarificationAsk {
		now := time.Now()
		existing := r.messages[sessionID]
		for i := len(existing) - 1; i >= 0; i-- {
			m := existing[i]
			if m.Sender != SenderMaice {
				continue
			}
			if now.Sub(m.CreatedAt) > DuplicateSuppressionWindow {
				break
			}
			if m.Content == content && m.MessageType == msgType {
				return m.ID, nil
			}
		}
	}

	r.nextMsg++
	id := r.nextMsg
	msg := &Message{
		ID:          id,
		SessionID:   sessionID,
		Sender:      SenderMaice,
		Content:     content,
		MessageType: msgType,
		ParentID:    parentID,
		RequestID:   requestID,
		CreatedAt:   time.Now(),
	}
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	return id, nil
}

func (r *memoryRepository) GetConversationHistory(ctx context.Context, sessionID int64, userID string) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.checkOwner(sess, userID); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(r.messages[sessionID]))
	for _, m := range r.messages[sessionID] {
		if m.MessageType.IsVisible() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *memoryRepository) GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	visible := make([]Message, 0, len(r.messages[sessionID]))
	for _, m := range r.messages[sessionID] {
		if m.MessageType.IsVisible() {
			visible = append(visible, *m)
		}
	}
	if limit <= 0 || limit >= len(visible) {
		return visible, nil
	}
	return visible[len(visible)-limit:], nil
}

func (r *memoryRepository) UpdateSessionState(ctx context.Context, sessionID int64, update SessionStateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if update.CurrentStage != nil {
		sess.CurrentStage = *update.CurrentStage
	}
	if update.LastMessageType != nil {
		sess.LastMessageType = *update.LastMessageType
	}
	sess.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepository) SaveSummary(ctx context.Context, sessionID int64, userID, originalQuestion, summary, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if err := r.checkOwner(sess, userID); err != nil {
		return err
	}
	s := summary
	sess.ConversationSummary = &s
	now := time.Now()
	sess.LastSummaryAt = &now
	sess.UpdatedAt = now
	return nil
}

func (r *memoryRepository) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	return nil
}

func (r *memoryRepository) GetSession(ctx context.Context, sessionID int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}
