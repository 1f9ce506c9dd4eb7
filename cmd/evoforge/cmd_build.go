package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"evoforge/internal/pipeline"
	"evoforge/internal/sandbox"
	"evoforge/internal/validator"
)

var buildConstraints []string

var buildCmd = &cobra.Command{
	Use:   "build <intent>",
	Short: "Build, validate, and install a capability module from intent",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		gw, err := buildGateway(ctx, rt)
		if err != nil {
			return err
		}

		audit, err := pipeline.NewAuditLog(filepath.Join(cfg.DataDir, "audit"))
		if err != nil {
			return err
		}
		installer, err := pipeline.NewInstaller(
			filepath.Join(cfg.DataDir, "modules"),
			filepath.Join(cfg.DataDir, "artifacts"),
			rt.registry, logger, rt.metrics)
		if err != nil {
			return err
		}

		builder := pipeline.NewBuilder(
			gw,
			validator.New(sandbox.NewRunner(logger), logger),
			installer,
			audit,
			pipeline.BuilderConfig{
				MaxRepairAttempts:   cfg.Build.MaxRepairAttempts,
				ConfidenceThreshold: cfg.Build.ConfidenceThreshold,
				StagingDir:          filepath.Join(cfg.DataDir, "staging"),
			},
			logger, rt.metrics)

		constraints, err := parseConstraints(buildConstraints)
		if err != nil {
			return err
		}

		result, err := builder.Build(ctx, pipeline.BuildRequest{
			Intent:        strings.Join(args, " "),
			Constraints:   constraints,
			PolicyProfile: cfg.PolicyProfile,
			OrgID:         cfg.OrgID,
			CorrelationID: uuid.NewString(),
		})
		if err != nil {
			return err
		}

		fmt.Printf("job:      %s\n", result.JobID)
		fmt.Printf("module:   %s\n", result.ModuleID)
		fmt.Printf("outcome:  %s\n", result.Outcome)
		fmt.Printf("attempts: %d\n", result.Attempts)
		if result.Outcome == pipeline.OutcomeValidated {
			fmt.Printf("installed: %s\n", result.ModuleDir)
		} else if result.Diagnosis != "" {
			fmt.Printf("diagnosis: %s\n", result.Diagnosis)
		}
		return nil
	},
}

// parseConstraints turns repeated --constraint key=value flags into a map.
func parseConstraints(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("constraint %q is not key=value", entry)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	buildCmd.Flags().StringArrayVar(&buildConstraints, "constraint", nil, "build constraint key=value (repeatable)")
	rootCmd.AddCommand(buildCmd)
}
