package orchestrator

// EventType names one lifecycle event in an orchestration flow
type EventType string

const (
	EventFlowStart         EventType = "flow-start"
	EventSubtaskDispatch   EventType = "subtask-dispatch"
	EventSubtaskResult     EventType = "subtask-result"
	EventSynthesisStart    EventType = "synthesis-start"
	EventSynthesisComplete EventType = "synthesis-complete"
	EventFlowEnd           EventType = "flow-end"
	EventError             EventType = "error"
)

// Event is one framed lifecycle message on a streaming orchestration.
// The stream always terminates with flow-end or error; subtask-result
// events arrive in dispatch order regardless of completion order.
type Event struct {
	Type         EventType              `json:"type"`
	Agent        string                 `json:"agent,omitempty"`
	SubtaskIndex *int                   `json:"subtaskIndex,omitempty"`
	Subtask      string                 `json:"subtask,omitempty"`
	Content      string                 `json:"content,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Terminal reports whether an event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventFlowEnd || e.Type == EventError
}
