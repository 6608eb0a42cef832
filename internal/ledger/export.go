package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"actnexus/internal/ledger/models"
	dErrors "actnexus/pkg/domain-errors"
)

// ExportFormat selects the encoding of an export.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportXLSX ExportFormat = "xlsx"
)

// ParseExportFormat defaults to JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportXLSX:
		return ExportXLSX, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "format must be json or xlsx")
	}
}

func (f ExportFormat) ContentType() string {
	if f == ExportXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

func (f ExportFormat) Filename(w models.Window) string {
	return fmt.Sprintf("ai_usage_%s_%s.%s", w.Start.UTC().Format("20060102"), w.End.UTC().Format("20060102"), f)
}

const exportSheet = "AI Usage"

var exportHeaders = []string{
	"ID", "Created At", "Operation Type", "Operation ID", "Model", "Status",
	"Tokens In", "Tokens Out", "Tokens Total", "Cost", "Latency (ms)", "Error", "Actor",
}

// Export writes every entry of w to out. Entries are already sanitized.
func (s *Service) Export(ctx context.Context, w models.Window, format ExportFormat, out io.Writer) (int, error) {
	if err := validateWindow(w); err != nil {
		return 0, err
	}
	start := time.Now()
	entries, err := s.store.ListRange(ctx, w)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load usage entries")
	}
	if entries == nil {
		entries = []*models.Entry{}
	}

	switch format {
	case ExportXLSX:
		err = writeXLSX(entries, out)
	default:
		err = json.NewEncoder(out).Encode(entries)
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write usage export")
	}
	s.logger.InfoContext(ctx, "usage export written",
		"format", string(format),
		"rows", len(entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return len(entries), nil
}

func writeXLSX(entries []*models.Entry, out io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return err
		}
	}

	for i, e := range entries {
		row := i + 2
		values := []any{
			e.ID.String(),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.OperationType,
			e.OperationID,
			e.Model,
			string(e.Status),
			e.TokensIn,
			e.TokensOut,
			e.TokensTotal,
			e.Cost,
			e.LatencyMS,
			e.ErrorMessage,
			e.Actor,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return err
			}
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 38)
	_ = f.SetColWidth(exportSheet, "B", "B", 22)
	_ = f.SetColWidth(exportSheet, "C", "E", 20)
	_ = f.SetColWidth(exportSheet, "L", "L", 48)

	_, err := f.WriteTo(out)
	return err
}
