package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"evoforge/internal/orchestrator"
)

var (
	runConversationID string
	runRecover        bool
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Run one conversation turn",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		// Hot-reload modules installed while the conversation runs.
		watchCtx, stopWatch := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			err := rt.registry.Watch(watchCtx, filepath.Join(cfg.DataDir, "modules"))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("module watcher stopped", zap.Error(err))
			}
		}()
		defer func() {
			stopWatch()
			<-watchDone
		}()

		gw, err := buildGateway(ctx, rt)
		if err != nil {
			return err
		}

		orch := orchestrator.New(rt.store, gw, rt.registry, orchestrator.Config{
			HopBudget: cfg.Agent.HopBudget,
			MaxCycles: cfg.Agent.MaxCycles,
		}, logger, rt.metrics)

		if runRecover {
			if err := orch.RecoverAll(ctx); err != nil {
				return err
			}
		}

		conversationID := runConversationID
		if conversationID == "" {
			conversationID = uuid.NewString()
		}

		state, err := orch.Run(ctx, conversationID, cfg.OrgID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(state.FinalReply)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runConversationID, "conversation", "", "conversation id (default: new)")
	runCmd.Flags().BoolVar(&runRecover, "recover", false, "resume interrupted conversations first")
	rootCmd.AddCommand(runCmd)
}
