package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"submission-orchestrator/internal/models"
)

type simStep struct {
	progress int
	message  string
}

var simSteps = []simStep{
	{10, "Opening the service portal"},
	{30, "Signing in"},
	{40, "Searching for the service"},
	{50, "Filling in the application form"},
	{70, "Attaching documents"},
	{90, "Submitting the application"},
}

// SimulatedAutomation walks through the portal steps with a fixed delay
// between them and issues sequential receipt numbers. A service target
// carrying ?simulate=<ERROR_CODE> fails at the form step with that code.
type SimulatedAutomation struct {
	StepDelay time.Duration

	seq atomic.Int64
}

// NewSimulatedAutomation returns an automation pausing delay between steps.
func NewSimulatedAutomation(delay time.Duration) *SimulatedAutomation {
	return &SimulatedAutomation{StepDelay: delay}
}

func (s *SimulatedAutomation) Run(ctx context.Context, job *models.Job, r *Reporter) (models.Result, error) {
	failWith := simulatedFailure(job.ServiceTarget)

	for _, step := range simSteps {
		if err := sleepCtx(ctx, s.StepDelay); err != nil {
			return models.Result{}, err
		}
		if failWith != "" && step.progress >= 50 {
			return models.Result{}, &models.WorkerError{Code: failWith, Message: "simulated failure at: " + step.message}
		}
		if err := r.Progress(ctx, step.progress, step.message); err != nil {
			return models.Result{}, err
		}
	}

	n := s.seq.Add(1)
	receipt := fmt.Sprintf("GOV-%d-%04d", time.Now().Year(), n)
	return models.Result{
		ReceiptNumber: receipt,
		DocumentURL:   "https://docs.local/receipts/" + receipt + ".pdf",
		ScreenshotRef: "screenshots/" + job.JobID + ".png",
	}, nil
}

func simulatedFailure(target string) models.ErrorCode {
	u, err := url.Parse(target)
	if err != nil {
		return models.ErrCodeInvalidURL
	}
	return models.ErrorCode(u.Query().Get("simulate"))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
