package syncer

import (
	"encoding/json"
	"time"
)

// Sync domains. Each domain pushes and pulls independently; one failing
// domain never blocks the others.
const (
	DomainWaivers     = "waivers"
	DomainChat        = "chat"
	DomainMemories    = "memories"
	DomainOnboarding  = "onboarding"
	DomainAssessment  = "assessment"
	DomainPreferences = "preferences"
	DomainUIState     = "ui_state"
)

// Domains lists every sync domain in the order SyncAll visits them.
var Domains = []string{
	DomainWaivers,
	DomainChat,
	DomainMemories,
	DomainOnboarding,
	DomainAssessment,
	DomainPreferences,
	DomainUIState,
}

// ChatMessage is one message inside a conversation.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ChatConversation is a conversation thread with its messages.
type ChatConversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt int64         `json:"updatedAt"`
}

// MemoryEntry is one persisted memory record.
type MemoryEntry struct {
	ID        string          `json:"id"`
	Category  string          `json:"category,omitempty"`
	Content   json.RawMessage `json:"content"`
	UpdatedAt int64           `json:"updatedAt"`
}

// WaiverRecord is a signed waiver.
type WaiverRecord struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	SignedAt int64  `json:"signedAt"`
	Version  string `json:"version,omitempty"`
}

// OnboardingProgress tracks how far the user is through onboarding.
type OnboardingProgress struct {
	Step      string          `json:"step"`
	Completed bool            `json:"completed"`
	Answers   json.RawMessage `json:"answers,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
}

// AssessmentProgress tracks a partially or fully completed assessment.
type AssessmentProgress struct {
	AssessmentID string          `json:"assessmentId"`
	Responses    json.RawMessage `json:"responses,omitempty"`
	Score        *float64        `json:"score,omitempty"`
	CompletedAt  int64           `json:"completedAt,omitempty"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// Payload carries the local data for one sync pass. Nil fields mean the
// domain has nothing to push; the domain is still visited so remote
// changes are pulled.
type Payload struct {
	Waivers       []WaiverRecord      `json:"waivers,omitempty"`
	Conversations []ChatConversation  `json:"conversations,omitempty"`
	Memories      []MemoryEntry       `json:"memories,omitempty"`
	Onboarding    *OnboardingProgress `json:"onboarding,omitempty"`
	Assessment    *AssessmentProgress `json:"assessment,omitempty"`
	Preferences   json.RawMessage     `json:"preferences,omitempty"`
	UIState       json.RawMessage     `json:"uiState,omitempty"`
}

// Result summarizes one SyncAll pass.
type Result struct {
	// Success is true only when every domain synced cleanly.
	Success bool `json:"success"`

	// SyncedItems counts the domains that synced without error.
	SyncedItems int `json:"syncedItems"`

	// Errors holds one message per failed domain, prefixed with the
	// domain name.
	Errors []string `json:"errors"`

	// LastSync is when this pass ran, recorded regardless of outcome.
	LastSync time.Time `json:"lastSync"`
}

// Loaded holds the remote data pulled by LoadAll. Domains that failed
// to load are named in Errors and leave their field zero.
type Loaded struct {
	Conversations []ChatConversation `json:"conversations"`
	Memories      []MemoryEntry      `json:"memories"`
	Preferences   json.RawMessage    `json:"preferences"`
	Errors        []string           `json:"errors"`
}
