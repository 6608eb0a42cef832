package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"actnexus/internal/ledger"
	"actnexus/internal/ledger/models"
)

const dayLayout = "2006-01-02"

func newUsageCommand(ctx *commandContext) *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and maintain the AI usage ledger",
	}
	usageCmd.AddCommand(newUsageStatsCommand(ctx))
	usageCmd.AddCommand(newUsageHealthCommand(ctx))
	usageCmd.AddCommand(newUsageExportCommand(ctx))
	usageCmd.AddCommand(newUsageCleanupCommand(ctx))
	return usageCmd
}

func lastDays(days int, now time.Time) (models.Window, error) {
	if days < 1 || days > 365 {
		return models.Window{}, fmt.Errorf("--days must be between 1 and 365")
	}
	return models.Window{Start: now.AddDate(0, 0, -days), End: now}, nil
}

func newUsageStatsCommand(ctx *commandContext) *cobra.Command {
	var days, top int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show AI usage and cost for the last days",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := lastDays(days, time.Now().UTC())
			if err != nil {
				return err
			}
			return ctx.withLedger(cmd.Context(), func(svc *ledger.Service) error {
				stats, err := svc.Stats(cmd.Context(), w)
				if err != nil {
					return err
				}
				costs, err := svc.CostAnalysis(cmd.Context(), w, top)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats, costs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Number of days to report")
	cmd.Flags().IntVar(&top, "top", 10, "Number of most expensive calls to list")
	return cmd
}

func printStats(out io.Writer, stats *models.Stats, costs *models.CostAnalysis) {
	s := stats.Summary
	fmt.Fprintf(out, "Window:     %s to %s\n", stats.Window.Start.Format(dayLayout), stats.Window.End.Format(dayLayout))
	fmt.Fprintf(out, "Operations: %d (%d ok, %d failed, %d pending)\n", s.TotalOperations, s.Success, s.Errors, s.Pending)
	fmt.Fprintf(out, "Tokens:     %d in / %d out\n", s.TokensIn, s.TokensOut)
	fmt.Fprintf(out, "Cost:       $%.4f\n", s.TotalCost)
	fmt.Fprintf(out, "Latency:    %.0f ms avg\n\n", s.AvgLatencyMS)

	if len(stats.ByType) > 0 {
		fmt.Fprintln(out, renderTable([]string{"Operation", "Calls", "Tokens", "Cost", "Avg cost"}, bucketRows(stats.ByType), 1, 2, 3, 4))
	}
	if len(costs.TopCalls) == 0 {
		return
	}
	rows := make([][]string, 0, len(costs.TopCalls))
	for _, c := range costs.TopCalls {
		rows = append(rows, []string{
			c.CreatedAt.Format(time.DateTime),
			c.OperationType,
			c.OperationID,
			strconv.Itoa(c.Tokens),
			fmt.Sprintf("%.4f", c.Cost),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"When", "Operation", "Subject", "Tokens", "Cost"}, rows, 3, 4))
}

func bucketRows(buckets []models.Bucket) [][]string {
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{
			b.Key,
			strconv.FormatInt(b.Operations, 10),
			strconv.FormatInt(b.Tokens, 10),
			fmt.Sprintf("%.4f", b.Cost),
			fmt.Sprintf("%.4f", b.AvgCost),
		})
	}
	return rows
}

func newUsageHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Grade the last hour of AI activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(cmd.Context(), func(svc *ledger.Service) error {
				h, err := svc.Health(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Status:     %s\n", h.Status)
				fmt.Fprintf(out, "Operations: %d\n", h.Operations)
				fmt.Fprintf(out, "Errors:     %d (%.1f%%)\n", h.Errors, h.ErrorRate*100)
				fmt.Fprintf(out, "Pending:    %d (%d stale)\n", h.PendingYoung+h.PendingStale, h.PendingStale)
				fmt.Fprintf(out, "Cost:       $%.4f\n", h.Cost)
				return nil
			})
		},
	}
}

func newUsageExportCommand(ctx *commandContext) *cobra.Command {
	var days int
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger entries as JSON or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := lastDays(days, time.Now().UTC())
			if err != nil {
				return err
			}
			f, err := ledger.ParseExportFormat(format)
			if err != nil {
				return err
			}
			if output == "" {
				output = f.Filename(w)
			}
			return ctx.withLedger(cmd.Context(), func(svc *ledger.Service) error {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				n, err := svc.Export(cmd.Context(), w, f, file)
				if closeErr := file.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", n, output)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Number of days to export")
	cmd.Flags().StringVar(&format, "format", "json", "Export format (json or xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to a dated name)")
	return cmd
}

func newUsageCleanupCommand(ctx *commandContext) *cobra.Command {
	var keepDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete ledger entries older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keepDays < 1 || keepDays > 365 {
				return fmt.Errorf("--keep-days must be between 1 and 365")
			}
			retention := time.Duration(keepDays) * 24 * time.Hour
			return ctx.withLedger(cmd.Context(), func(svc *ledger.Service) error {
				lock := ledger.NewFileLocker(ctx.cfg().Ledger.LockFile)
				release, err := lock.Acquire(cmd.Context())
				if errors.Is(err, ledger.ErrSweepLocked) {
					return fmt.Errorf("another retention sweep holds %s; try again later", ctx.cfg().Ledger.LockFile)
				}
				if err != nil {
					return err
				}
				defer func() { _ = release(cmd.Context()) }()

				now := time.Now().UTC()
				failed, err := svc.FailStalePending(cmd.Context(), now.Add(-svc.StaleAfter()))
				if err != nil {
					return err
				}
				deleted, err := svc.CleanupOlderThan(cmd.Context(), now.Add(-retention))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries older than %d days; finalized %d abandoned\n", deleted, keepDays, failed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 90, "Days of entries to keep")
	return cmd
}
