package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"submission-orchestrator/internal/models"
)

// Lister is the slice of the coordinator the export needs.
type Lister interface {
	ListJobs(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
}

// MaxRows caps one export.
const MaxRows = 5000

const sheet = "Submissions"

// Service produces XLSX workbooks of submission records. Identity fields and
// auth session data never leave the store through it.
type Service struct {
	jobs   Lister
	logger *slog.Logger
}

func NewService(jobs Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// ExportXLSX returns a workbook of the records in status, or all records when status is empty.
func (s *Service) ExportXLSX(ctx context.Context, status models.Status) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.ListJobs(ctx, status, MaxRows)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet instead of leaving an empty Sheet1 behind.
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Submission ID",
		"Job ID",
		"Kind",
		"State",
		"Progress",
		"Message",
		"Error Code",
		"Receipt Number",
		"Service Target",
		"Created (UTC)",
		"Updated (UTC)",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, j := range jobs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		receipt := ""
		if j.Result != nil {
			receipt = j.Result.ReceiptNumber
		}
		write(1, j.SubmissionID)
		write(2, j.JobID)
		write(3, string(j.Kind))
		write(4, string(j.Status))
		write(5, j.Progress)
		write(6, j.Message)
		write(7, string(j.ErrorCode))
		write(8, receipt)
		write(9, j.ServiceTarget)
		write(10, j.CreatedAt.UTC().Format(time.RFC3339))
		write(11, j.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(sheet, "A", "B", 38)
	_ = f.SetColWidth(sheet, "C", "D", 16)
	_ = f.SetColWidth(sheet, "F", "F", 40)
	_ = f.SetColWidth(sheet, "H", "H", 18)
	_ = f.SetColWidth(sheet, "I", "I", 60)
	_ = f.SetColWidth(sheet, "J", "K", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("submissions exported", "status", status, "rows", len(jobs), "duration", time.Since(start))
	return buf.Bytes(), nil
}
