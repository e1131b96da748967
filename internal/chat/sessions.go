package chat

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("chat session not found")
	ErrMessageNotFound = errors.New("chat message not found")
	ErrNotReviewable   = errors.New("chat message is not awaiting review")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	StatusSent          = "sent"
	StatusPendingReview = "pending_review"
	StatusApproved      = "approved"
	StatusEdited        = "edited"
	StatusRejected      = "rejected"
)

type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Confidence *float64  `json:"confidence,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Status     string    `json:"status"`
	RunID      string    `json:"run_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is one simulated customer. Its conversation id scopes memory the
// same way an Intercom conversation does.
type Session struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Messages       []Message `json:"messages"`
	CreatedAt      time.Time `json:"created_at"`
}

type Summary struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Manager keeps sessions in memory; they do not survive a restart.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: map[string]*Session{}}
}

func shortHex() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(buf)
}

func (m *Manager) Create() Session {
	session := &Session{
		ID:             uuid.NewString(),
		ConversationID: "chat_test_" + shortHex(),
		UserID:         "chat_user_" + shortHex(),
		CreatedAt:      time.Now().UTC(),
	}
	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()
	return cloneSession(session)
}

func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *Manager) List() []Summary {
	m.mu.Lock()
	summaries := make([]Summary, 0, len(m.sessions))
	for _, session := range m.sessions {
		summaries = append(summaries, Summary{
			ID:             session.ID,
			ConversationID: session.ConversationID,
			MessageCount:   len(session.Messages),
			CreatedAt:      session.CreatedAt,
		})
	}
	m.mu.Unlock()
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.Before(summaries[j].CreatedAt) })
	return summaries
}

func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// append adds a message and returns its index.
func (m *Manager) append(id string, message Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	session.Messages = append(session.Messages, message)
	return len(session.Messages) - 1, nil
}

// update applies fn to the message at index; a negative index means the last
// message.
func (m *Manager) update(id string, index int, fn func(*Message) error) (Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return Message{}, 0, ErrSessionNotFound
	}
	if index < 0 {
		index = len(session.Messages) - 1
	}
	if index < 0 || index >= len(session.Messages) {
		return Message{}, 0, ErrMessageNotFound
	}
	if err := fn(&session.Messages[index]); err != nil {
		return Message{}, index, err
	}
	return session.Messages[index], index, nil
}

func cloneSession(session *Session) Session {
	out := *session
	out.Messages = append([]Message(nil), session.Messages...)
	return out
}

// precedingUserText returns the closest user message before index.
func precedingUserText(messages []Message, index int) string {
	for i := index - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
