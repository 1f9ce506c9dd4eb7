// Package orchestrator runs the conversation graph: intent, route, llm,
// tool, validate, synth, end. State is checkpointed after every node so a
// crashed conversation resumes at the next node instead of restarting.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Node names the graph positions. Transitions are explicit; a state always
// records the node it should enter next.
type Node string

const (
	NodeIntent   Node = "intent"
	NodeRoute    Node = "route"
	NodeLLM      Node = "llm"
	NodeTool     Node = "tool"
	NodeValidate Node = "validate"
	NodeSynth    Node = "synth"
	NodeEnd      Node = "end"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
	RoleA2A   Role = "a2a"
)

// Message is one transcript entry. Sender, Recipient, HopIndex, and
// CorrelationID are only set on a2a messages: HopIndex records the remaining
// hop budget when the message was relayed.
type Message struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Source        string    `json:"source,omitempty"`
	Sender        string    `json:"sender_role,omitempty"`
	Recipient     string    `json:"recipient_role,omitempty"`
	HopIndex      int       `json:"hop_index,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ToolCall is one pending module invocation, queued by the route node or by
// the agent's own tool directive.
type ToolCall struct {
	ModuleID string `json:"module_id"`
	Input    string `json:"input"`
}

// RouterHint is the router's top recommendation. It informs the llm node;
// the agent decides whether to follow it.
type RouterHint struct {
	ModuleID string  `json:"module_id"`
	Score    float64 `json:"score"`
}

// ErrHopBudgetExhausted means an agent-to-agent relay was refused because
// the remaining hop budget reached zero.
var ErrHopBudgetExhausted = errors.New("a2a hop budget exhausted")

// ConversationState is everything the graph carries between nodes. It
// serializes to JSON for checkpointing; all fields must survive the round
// trip.
type ConversationState struct {
	ConversationID string      `json:"conversation_id"`
	CorrelationID  string      `json:"correlation_id"`
	OrgID          string      `json:"org_id"`
	Messages       []Message   `json:"messages"`
	Next           Node        `json:"next"`
	Seq            int         `json:"seq"`
	RemainingHops  int         `json:"remaining_hops"`
	CycleCount     int         `json:"cycle_count"`
	MaxCycles      int         `json:"max_cycles"`
	PendingCalls   []ToolCall  `json:"pending_calls,omitempty"`
	Hint           *RouterHint `json:"router_hint,omitempty"`
	IntentTags     []string    `json:"intent_tags,omitempty"`
	FinalReply     string      `json:"final_reply,omitempty"`
	Terminal       bool        `json:"terminal"`
	StartedAt      time.Time   `json:"started_at"`

	// Tool accounting for the efficiency reward reported at synthesis.
	ToolCallsPlanned int `json:"tool_calls_planned"`
	ToolCallsMade    int `json:"tool_calls_made"`
}

// ToolCallReward scores how closely actual tool usage tracked the routed
// plan on a [0,1] scale. Zero calls planned and zero made is optimal.
func ToolCallReward(planned, made int) float64 {
	if planned == 0 && made == 0 {
		return 1.0
	}
	span := planned
	if made > span {
		span = made
	}
	diff := planned - made
	if diff < 0 {
		diff = -diff
	}
	return 1.0 - float64(diff)/float64(span)
}

// NewConversation starts a state at the intent node.
func NewConversation(conversationID, orgID, userInput string, hopBudget, maxCycles int) *ConversationState {
	now := time.Now().UTC()
	return &ConversationState{
		ConversationID: conversationID,
		CorrelationID:  uuid.NewString(),
		OrgID:          orgID,
		Messages: []Message{{
			Role:      RoleUser,
			Content:   userInput,
			Timestamp: now,
		}},
		Next:          NodeIntent,
		RemainingHops: hopBudget,
		MaxCycles:     maxCycles,
		StartedAt:     now,
	}
}

// Append adds a message to the transcript.
func (s *ConversationState) Append(role Role, source, content string) {
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Source:    source,
		Timestamp: time.Now().UTC(),
	})
}

// RelayA2A records an agent-to-agent message and spends one hop. The hop
// budget decreases strictly; at zero the relay is refused.
func (s *ConversationState) RelayA2A(sender, recipient, payload string) error {
	if s.RemainingHops <= 0 {
		return fmt.Errorf("%w: refusing relay to %s", ErrHopBudgetExhausted, recipient)
	}
	s.RemainingHops--
	s.Messages = append(s.Messages, Message{
		Role:          RoleA2A,
		Content:       payload,
		Sender:        sender,
		Recipient:     recipient,
		HopIndex:      s.RemainingHops,
		CorrelationID: s.CorrelationID,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// LastUser returns the most recent user message content.
func (s *ConversationState) LastUser() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Encode serializes the state for checkpointing.
func (s *ConversationState) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return data, nil
}

// DecodeState restores a checkpointed state.
func DecodeState(data []byte) (*ConversationState, error) {
	var s ConversationState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	return &s, nil
}
