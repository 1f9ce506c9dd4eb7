package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evoforge/internal/gateway"
	"evoforge/internal/metrics"
	"evoforge/internal/registry"
	"evoforge/internal/store"
)

// recoveryWorkers bounds how many conversations recover at once.
const recoveryWorkers = 4

// Config bounds a conversation.
type Config struct {
	HopBudget   int           // a2a relay budget, default 5
	MaxCycles   int           // route/validate repair cycles, default 3
	NodeTimeout time.Duration // soft deadline per node, default 30s
}

func (c Config) withDefaults() Config {
	if c.HopBudget <= 0 {
		c.HopBudget = 5
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 3
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = 30 * time.Second
	}
	return c
}

// ChatClient is the slice of the gateway the llm node needs.
type ChatClient interface {
	Generate(ctx context.Context, purpose gateway.Purpose, jobID string, req gateway.Request, contract gateway.OutputContract) (*gateway.Result, error)
}

// Dispatcher is the slice of the registry the route and tool nodes need.
type Dispatcher interface {
	Recommend(q registry.Query, snapshot []registry.Entry) []registry.Recommendation
	Acquire(moduleID string) (registry.Handle, error)
	Snapshot() []registry.Entry
}

// Orchestrator drives conversation states through the graph, checkpointing
// after every node.
type Orchestrator struct {
	store      *store.Store
	chat       ChatClient
	dispatcher Dispatcher
	config     Config
	log        *zap.Logger
	metrics    *metrics.Set
}

// New wires an orchestrator. chat may be nil when only tool routes are
// exercised; dispatcher may be nil when no modules are installed.
func New(st *store.Store, chat ChatClient, dispatcher Dispatcher, cfg Config, log *zap.Logger, m *metrics.Set) *Orchestrator {
	return &Orchestrator{
		store:      st,
		chat:       chat,
		dispatcher: dispatcher,
		config:     cfg.withDefaults(),
		log:        log.Named("orchestrator"),
		metrics:    m,
	}
}

// Run starts a fresh conversation and drives it to the end node.
func (o *Orchestrator) Run(ctx context.Context, conversationID, orgID, userInput string) (*ConversationState, error) {
	state := NewConversation(conversationID, orgID, userInput, o.config.HopBudget, o.config.MaxCycles)
	o.log.Info("conversation started",
		zap.String("conversation_id", conversationID),
		zap.String("correlation_id", state.CorrelationID),
		zap.String("org_id", orgID))
	return state, o.loop(ctx, state)
}

// Recover resumes an interrupted conversation from its latest checkpoint,
// re-entering the graph at the node the checkpoint recorded as next. A
// conversation whose last checkpoint is terminal is returned as-is.
func (o *Orchestrator) Recover(ctx context.Context, conversationID string) (*ConversationState, error) {
	cp, err := o.store.LatestCheckpoint(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	state, err := DecodeState(cp.State)
	if err != nil {
		return nil, err
	}
	if state.Terminal {
		return state, nil
	}
	o.log.Info("recovering conversation",
		zap.String("conversation_id", conversationID),
		zap.String("correlation_id", state.CorrelationID),
		zap.Int("seq", cp.Seq),
		zap.String("next", string(state.Next)))
	return state, o.loop(ctx, state)
}

// RecoverAll resumes every conversation the store reports as unterminated.
// Conversations recover in parallel; each one still has a single writer.
func (o *Orchestrator) RecoverAll(ctx context.Context) error {
	open, err := o.store.UnterminatedConversations(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryWorkers)
	for _, id := range open {
		id := id
		g.Go(func() error {
			if _, err := o.Recover(gctx, id); err != nil {
				return fmt.Errorf("recovery of %s failed: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Relay sends an agent-to-agent message on behalf of a conversation and
// checkpoints the spent hop before reporting success.
func (o *Orchestrator) Relay(ctx context.Context, state *ConversationState, sender, recipient, payload string) error {
	if err := state.RelayA2A(sender, recipient, payload); err != nil {
		return err
	}
	o.log.Info("a2a message relayed",
		zap.String("conversation_id", state.ConversationID),
		zap.String("correlation_id", state.CorrelationID),
		zap.String("sender_role", sender),
		zap.String("recipient_role", recipient),
		zap.Int("remaining_hops", state.RemainingHops))
	return o.checkpoint(ctx, state, NodeRoute)
}

// loop runs nodes until the state is terminal. Every node completion is
// checkpointed before the next node starts.
func (o *Orchestrator) loop(ctx context.Context, state *ConversationState) error {
	for !state.Terminal {
		node := state.Next
		nodeCtx, cancel := context.WithTimeout(ctx, o.config.NodeTimeout)
		err := o.runNode(nodeCtx, state)
		cancel()
		if err != nil {
			return fmt.Errorf("node %s failed: %w", node, err)
		}
		if err := o.checkpoint(ctx, state, node); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.NodeTransitions.WithLabelValues(string(node)).Inc()
		}
		o.log.Debug("node complete",
			zap.String("conversation_id", state.ConversationID),
			zap.String("correlation_id", state.CorrelationID),
			zap.String("node", string(node)),
			zap.String("next", string(state.Next)))
	}
	return nil
}

// checkpoint persists the state under the next sequence number. Durability
// comes before the node's effects are observable to callers.
func (o *Orchestrator) checkpoint(ctx context.Context, state *ConversationState, node Node) error {
	if o.store == nil {
		return nil
	}
	// The persisted state carries the next sequence number so a recovered
	// conversation appends after this checkpoint instead of colliding with it.
	seq := state.Seq
	state.Seq++
	encoded, err := state.Encode()
	if err != nil {
		return err
	}
	err = o.store.AppendCheckpoint(ctx, store.Checkpoint{
		ConversationID: state.ConversationID,
		Seq:            seq,
		Node:           string(node),
		State:          encoded,
		Terminal:       state.Terminal,
	})
	if err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}
