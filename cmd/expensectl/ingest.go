package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"expense-ingest/internal/dto"
	"expense-ingest/internal/ingest"
	"expense-ingest/internal/models"
	"expense-ingest/pkg/retry"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Extract an expense and store it",
	}

	cmd.PersistentFlags().String("delivery-id", "", "external message id; repeated ids are answered idempotently")
	cmd.PersistentFlags().String("language", "", "language hint for the providers")
	cmd.PersistentFlags().Int("retries", 3, "attempts for retryable provider failures")

	cmd.AddCommand(ingestTextCmd())
	cmd.AddCommand(ingestFileCmd())
	return cmd
}

func ingestTextCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "text <message>",
		Short:   "Ingest a free-form text message",
		Example: `  expensectl ingest text "20 soles groceries cash" --sqlite ./expenses.db`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, models.RawInput{
				Modality: models.ModalityText,
				Text:     args[0],
			})
		},
	}
}

func ingestFileCmd() *cobra.Command {
	var modality string

	cmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Ingest a voice note, receipt photo or PDF",
		Long: `Ingest a file. The modality is detected from the file type unless
--modality is given (audio or image).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			payload, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			contentType := mime.TypeByExtension(filepath.Ext(path))
			m := models.Modality(modality)
			if m == "" {
				detected, ok := ingest.DetectModality(contentType, payload)
				if !ok {
					return fmt.Errorf("cannot tell whether %s is audio or a receipt, use --modality", path)
				}
				m = detected
			}

			raw := models.RawInput{
				Modality:    m,
				Payload:     payload,
				ContentType: contentType,
				FileName:    filepath.Base(path),
			}
			if m == models.ModalityText {
				raw.Text = string(payload)
				raw.Payload = nil
			}
			return runIngest(cmd, raw)
		},
	}

	cmd.Flags().StringVar(&modality, "modality", "", "audio or image")
	return cmd
}

func runIngest(cmd *cobra.Command, raw models.RawInput) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	raw.DeliveryID, _ = cmd.Flags().GetString("delivery-id")
	raw.LanguageHint, _ = cmd.Flags().GetString("language")
	attempts, _ := cmd.Flags().GetInt("retries")

	var result *ingest.Result
	err = retry.WithRetry(ctx, func() error {
		var ingestErr error
		result, ingestErr = a.pipeline.Ingest(ctx, raw)
		if ingestErr != nil && !ingest.IsRetryable(ingestErr) {
			return retry.Permanent(ingestErr)
		}
		return ingestErr
	}, retry.Options{
		MaxAttempts:  attempts,
		InitialDelay: time.Second,
		MaxDelay:     15 * time.Second,
	}, a.logger)
	if err != nil {
		return err
	}

	resp := dto.IngestResponse{
		RecordID:    result.RecordID.String(),
		IdentityKey: result.IdentityKey,
		State:       string(result.State),
		Confidence:  result.Confidence,
		Duplicate:   result.Duplicate,
		Defects:     result.Defects,
	}
	if result.Duplicate {
		resp.DuplicateOf = result.RecordID.String()
	}
	return printJSON(cmd.OutOrStdout(), resp)
}
