package telegram

import (
	"sync"

	"github.com/digkill/FinBot/internal/assistant"
)

const maxHistoryTurns = 10

// HistoryManager keeps the last few exchanges per chat so the assistant can
// answer follow-up questions. It is process-local and lost on restart.
type HistoryManager struct {
	mu       sync.RWMutex
	sessions map[int64][]assistant.Message
}

func NewHistoryManager() *HistoryManager {
	return &HistoryManager{
		sessions: make(map[int64][]assistant.Message),
	}
}

func (m *HistoryManager) Get(chatID int64) []assistant.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]assistant.Message(nil), m.sessions[chatID]...)
}

func (m *HistoryManager) Append(chatID int64, question, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.sessions[chatID],
		assistant.Message{Role: assistant.RoleUser, Content: question},
		assistant.Message{Role: assistant.RoleAssistant, Content: answer},
	)
	if len(turns) > maxHistoryTurns*2 {
		turns = turns[len(turns)-maxHistoryTurns*2:]
	}
	m.sessions[chatID] = turns
}

func (m *HistoryManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}
