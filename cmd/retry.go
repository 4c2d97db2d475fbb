package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strain-refinery/internal/model"
	"github.com/sells-group/strain-refinery/internal/pipeline"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reprocess records from the dead letter queue",
	Long:  "Reloads dead-lettered Bronze records and runs them through the pipeline again. By default only transient failures that are due are retried.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		applyOutputFlags(cmd, cfg)

		if err := cfg.Validate("retry"); err != nil {
			return err
		}

		env, err := initRefinery(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		input := "dlq:transient"
		if all {
			input = "dlq:all"
		}
		return env.execute(ctx, model.RunModeRetry, input, func(ctx context.Context, rc *pipeline.RunContext) error {
			n, err := env.Pipeline.RetryDeadLetters(ctx, rc, all, limit)
			zap.L().Info("retry pass finished", zap.String("run_id", rc.ID), zap.Int("records", n))
			return err
		})
	},
}

func init() {
	retryCmd.Flags().Bool("all", false, fmt.Sprintf("retry every dead letter, not only due %s entries", model.FailureTransient))
	retryCmd.Flags().Int("limit", 100, "max number of dead letters to retry")
	addOutputFlags(retryCmd)
	rootCmd.AddCommand(retryCmd)
}
