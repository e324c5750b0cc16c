package job

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is an ordered entry in a job's conversation. OrderIndex is
// strictly increasing per job; the initial user message sits at index 0.
// An assistant message with a non-empty ErrorMessage implies the owning
// job failed.
type Message struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ResponseType   string    `json:"response_type,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Metadata       string    `json:"metadata,omitempty"`
	RequiresAction bool      `json:"requires_action,omitempty"`
	OrderIndex     int       `json:"order_index"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewUserMessage creates the initial user message for a job.
func NewUserMessage(jobID, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message attributed to an agent.
func NewAssistantMessage(jobID, content, agentName, metadata string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Role:      RoleAssistant,
		Content:   content,
		AgentName: agentName,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// NewErrorMessage creates an assistant message carrying a failure
// explanation. Jobs marked failed always get one of these so the user
// never sees a bare empty state.
func NewErrorMessage(jobID, content, errorMessage string) *Message {
	return &Message{
		ID:           uuid.NewString(),
		JobID:        jobID,
		Role:         RoleAssistant,
		Content:      content,
		ErrorMessage: errorMessage,
		CreatedAt:    time.Now().UTC(),
	}
}
