package main

import (
	"fmt"
	"text/tabwriter"

	"expense-ingest/internal/dto"
	"expense-ingest/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func showCmd() *cobra.Command {
	var withAudit bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an expense with its provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid expense id: %w", err)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			exp, err := a.pipeline.Record(cmd.Context(), uuid.Nil, id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), dto.NewExpenseResponse(exp, true)); err != nil {
				return err
			}
			if !withAudit {
				return nil
			}

			recs, err := a.pipeline.Audit(cmd.Context(), uuid.Nil, id)
			if err != nil {
				return err
			}
			audit := make([]dto.RawInputResponse, 0, len(recs))
			for _, rec := range recs {
				audit = append(audit, dto.NewRawInputResponse(rec))
			}
			return printJSON(cmd.OutOrStdout(), audit)
		},
	}

	cmd.Flags().BoolVar(&withAudit, "audit", false, "also print every recorded delivery attempt")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			expenses, err := a.pipeline.List(cmd.Context(), uuid.Nil, models.State(state), limit, offset)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tAMOUNT\tCATEGORY\tMETHOD\tCONFIDENCE\tDESCRIPTION")
			for _, exp := range expenses {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%.2f\t%s\n",
					exp.ID, exp.State, exp.Amount.StringFixed(2), exp.Currency,
					exp.Category, exp.PaymentMethod, exp.Confidence, exp.Description)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "pending_confirm, confirmed or flagged")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

// transitionCmd builds confirm and flag; the command name is the target state.
func transitionCmd(use, short string) *cobra.Command {
	target := models.StateConfirmed
	if use == "flag" {
		target = models.StateFlagged
	}

	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid expense id: %w", err)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			exp, err := a.pipeline.Transition(cmd.Context(), uuid.Nil, id, target)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dto.NewExpenseResponse(exp, false))
		},
	}
}
