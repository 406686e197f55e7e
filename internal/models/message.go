package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageKind tells the two system messages of a turn apart.
type MessageKind string

const (
	KindNone      MessageKind = ""
	KindGrounding MessageKind = "grounding"
	KindRetrieval MessageKind = "retrieval"
)

type RetrievalMode string

const (
	ModeBreadth RetrievalMode = "breadth"
	ModeDepth   RetrievalMode = "depth"
)

// RetrievalFlags are the per-turn retrieval options chosen by the end user.
type RetrievalFlags struct {
	Mode             RetrievalMode `json:"mode"`
	Rerank           bool          `json:"rerank"`
	PrioritizeRecent bool          `json:"prioritize_recent"`
}

// Source is a cited document, only attached to assistant messages.
type Source struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
}

// Message is one row of a conversation. Content stays nil on an assistant
// message until its generation finishes.
type Message struct {
	ID             int64          `json:"id"`
	TenantID       int64          `json:"tenant_id"`
	ConversationID int64          `json:"conversation_id"`
	Role           Role           `json:"role"`
	Kind           MessageKind    `json:"kind,omitempty"`
	Content        *string        `json:"content"`
	Sources        []Source       `json:"sources"`
	Model          string         `json:"model,omitempty"`
	Flags          RetrievalFlags `json:"flags"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Pending reports whether the message is an assistant placeholder.
func (m *Message) Pending() bool {
	return m != nil && m.Role == RoleAssistant && m.Content == nil
}

// Text returns the content or the empty string.
func (m *Message) Text() string {
	if m == nil || m.Content == nil {
		return ""
	}
	return *m.Content
}

// NewMessage carries the columns set when a row is first inserted.
type NewMessage struct {
	Role    Role
	Kind    MessageKind
	Content *string
	Sources []Source
	Model   string
	Flags   RetrievalFlags
}
