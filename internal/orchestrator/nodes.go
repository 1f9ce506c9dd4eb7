package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evoforge/internal/contract"
	"evoforge/internal/gateway"
	"evoforge/internal/registry"
)

// routeThreshold is the minimum recommendation score for the route node to
// dispatch a tool instead of answering with the llm.
const routeThreshold = 0.3

func (o *Orchestrator) runNode(ctx context.Context, state *ConversationState) error {
	switch state.Next {
	case NodeIntent:
		return o.nodeIntent(state)
	case NodeRoute:
		return o.nodeRoute(state)
	case NodeTool:
		return o.nodeTool(ctx, state)
	case NodeLLM:
		return o.nodeLLM(ctx, state)
	case NodeValidate:
		return o.nodeValidate(state)
	case NodeSynth:
		return o.nodeSynth(state)
	case NodeEnd:
		state.Terminal = true
		return nil
	default:
		return fmt.Errorf("unknown node %q", state.Next)
	}
}

// nodeIntent extracts capability tags from the user input by matching
// against what the registry actually offers. No model call; intent here is
// lexical, the llm node handles anything that needs understanding.
func (o *Orchestrator) nodeIntent(state *ConversationState) error {
	state.IntentTags = nil
	if o.dispatcher != nil {
		input := strings.ToLower(state.LastUser())
		seen := map[string]bool{}
		for _, entry := range o.dispatcher.Snapshot() {
			for _, tag := range entry.Manifest.Capabilities {
				if seen[tag] {
					continue
				}
				if tagMatches(input, tag) {
					seen[tag] = true
					state.IntentTags = append(state.IntentTags, tag)
				}
			}
		}
	}
	state.Next = NodeRoute
	return nil
}

// tagMatches reports whether every word of a capability tag appears in the
// input. Tags use snake_case; "rest_api" matches "call the rest api".
func tagMatches(input, tag string) bool {
	for _, word := range strings.Split(tag, "_") {
		if !strings.Contains(input, word) {
			return false
		}
	}
	return true
}

// nodeRoute computes the router recommendation and picks the next hop. With
// a model available the recommendation only informs the llm node; the agent
// decides whether to follow it. Without one, a clearing recommendation
// dispatches directly. An exhausted hop budget forces synthesis.
func (o *Orchestrator) nodeRoute(state *ConversationState) error {
	if state.RemainingHops <= 0 {
		state.PendingCalls = nil
		state.Next = NodeSynth
		return nil
	}
	if len(state.PendingCalls) > 0 {
		state.Next = NodeTool
		return nil
	}

	state.Hint = nil
	if o.dispatcher != nil && len(state.IntentTags) > 0 {
		snapshot := o.dispatcher.Snapshot()
		recs := o.dispatcher.Recommend(registry.Query{Tags: state.IntentTags}, snapshot)
		if len(recs) > 0 && recs[0].Score >= routeThreshold {
			if o.chat == nil {
				state.PendingCalls = append(state.PendingCalls, ToolCall{
					ModuleID: recs[0].ModuleID,
					Input:    state.LastUser(),
				})
				state.ToolCallsPlanned++
				state.Next = NodeTool
				return nil
			}
			state.Hint = &RouterHint{ModuleID: recs[0].ModuleID, Score: recs[0].Score}
		}
	}
	if o.chat == nil {
		// Nothing to dispatch and no model; close out with what we have.
		state.Next = NodeSynth
		return nil
	}
	state.Next = NodeLLM
	return nil
}

// nodeTool dispatches every pending call in parallel. Each result lands in
// the transcript as a tool message; a failed call records its error and the
// validate node decides whether to re-route.
func (o *Orchestrator) nodeTool(ctx context.Context, state *ConversationState) error {
	state.RemainingHops--
	calls := state.PendingCalls
	state.PendingCalls = nil
	state.ToolCallsMade += len(calls)

	results := make([]Message, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			msg := Message{Role: RoleTool, Source: call.ModuleID}
			handle, err := o.dispatcher.Acquire(call.ModuleID)
			if err != nil {
				msg.Content = "error: " + err.Error()
			} else {
				res, err := handle.Invoke(gctx, call.Input, contract.Trace{
					CorrelationID: state.CorrelationID,
				})
				switch {
				case err != nil:
					msg.Content = "error: " + err.Error()
				case len(res.Errors) > 0:
					msg.Content = "error: " + res.Errors[0].Message
				default:
					msg.Content = string(res.Data)
				}
			}
			mu.Lock()
			results[i] = msg
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, msg := range results {
		state.Append(msg.Role, msg.Source, msg.Content)
	}
	state.Next = NodeValidate
	return nil
}

// nodeLLM asks the chat lane for the next action. The prompt carries the
// transcript, the tool catalog, the remaining hop budget, and the router's
// recommendation; the agent either answers or emits a tool directive.
func (o *Orchestrator) nodeLLM(ctx context.Context, state *ConversationState) error {
	state.RemainingHops--

	res, err := o.chat.Generate(ctx, gateway.PurposeChat, state.ConversationID, gateway.Request{
		System: "You are the evoforge assistant. Answer the user using the conversation so far. " +
			"Tool messages contain live data; prefer them over guessing. " +
			"To call a capability module instead of answering, reply with exactly: TOOL <module_id> <input>.",
		Prompt: o.composePrompt(state),
	}, nil)
	if err != nil {
		return err
	}

	if call, ok := parseToolDirective(res.Text); ok && o.dispatcher != nil {
		state.PendingCalls = append(state.PendingCalls, call)
		state.ToolCallsPlanned++
		state.Hint = nil
		state.Next = NodeRoute
		return nil
	}
	state.Append(RoleAgent, res.Provider, res.Text)
	state.Next = NodeValidate
	return nil
}

// composePrompt renders the llm node's context: transcript, tool catalog,
// hop budget, and the router recommendation when one cleared the threshold.
func (o *Orchestrator) composePrompt(state *ConversationState) string {
	var b strings.Builder
	for _, msg := range state.Messages {
		if msg.Role == RoleA2A {
			fmt.Fprintf(&b, "[a2a %s->%s] %s\n", msg.Sender, msg.Recipient, msg.Content)
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}

	if o.dispatcher != nil {
		if snapshot := o.dispatcher.Snapshot(); len(snapshot) > 0 {
			b.WriteString("\nAvailable tools:\n")
			for _, entry := range snapshot {
				fmt.Fprintf(&b, "- %s: %s\n",
					entry.Manifest.ModuleID, strings.Join(entry.Manifest.Capabilities, ", "))
			}
		}
	}
	fmt.Fprintf(&b, "\nRemaining hops: %d\n", state.RemainingHops)
	if state.Hint != nil {
		fmt.Fprintf(&b, "Router recommendation: %s (score %.2f)\n", state.Hint.ModuleID, state.Hint.Score)
	}
	return b.String()
}

// parseToolDirective recognizes a "TOOL <module_id> <input>" reply.
func parseToolDirective(reply string) (ToolCall, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(reply), "TOOL ")
	if !ok {
		return ToolCall{}, false
	}
	moduleID, input, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if moduleID == "" {
		return ToolCall{}, false
	}
	return ToolCall{ModuleID: moduleID, Input: strings.TrimSpace(input)}, true
}

// nodeValidate checks the latest response. A failed tool call re-routes
// while cycles remain; exhausted cycles fall through to synth with whatever
// the transcript holds.
func (o *Orchestrator) nodeValidate(state *ConversationState) error {
	last := state.Messages[len(state.Messages)-1]
	failed := last.Role == RoleTool && strings.HasPrefix(last.Content, "error:")
	empty := last.Content == ""

	if (failed || empty) && state.CycleCount < state.MaxCycles {
		state.CycleCount++
		// Drop the tool route so the retry goes through the llm.
		if failed {
			state.IntentTags = nil
		}
		state.Next = NodeRoute
		return nil
	}
	state.Next = NodeSynth
	return nil
}

// nodeSynth composes the final reply: the agent's answer if there is one,
// otherwise the tool output verbatim.
func (o *Orchestrator) nodeSynth(state *ConversationState) error {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := state.Messages[i]
		if msg.Role == RoleAgent && msg.Content != "" {
			state.FinalReply = msg.Content
			break
		}
		if msg.Role == RoleTool && msg.Content != "" && !strings.HasPrefix(msg.Content, "error:") {
			state.FinalReply = msg.Content
			break
		}
	}
	if state.FinalReply == "" {
		state.FinalReply = "I could not complete that request."
	}
	if len(state.Messages) == 0 || state.Messages[len(state.Messages)-1].Role != RoleAgent {
		state.Append(RoleAgent, "synth", state.FinalReply)
	}
	o.log.Debug("conversation synthesized",
		zap.String("conversation_id", state.ConversationID),
		zap.String("correlation_id", state.CorrelationID),
		zap.Float64("tool_call_reward", ToolCallReward(state.ToolCallsPlanned, state.ToolCallsMade)))
	state.Next = NodeEnd
	return nil
}
