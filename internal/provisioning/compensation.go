package provisioning

import (
	"context"
	"log/slog"
)

// Compensation undoes one side effect.
type Compensation struct {
	Name string
	Do   func(ctx context.Context) error
}

// CompensationResult is the outcome of one compensation.
type CompensationResult struct {
	Name string
	Err  error
}

// Compensations is an ordered rollback plan.
type Compensations []Compensation

// Run executes every compensation in order, regardless of earlier failures,
// and logs each outcome. It is detached from ctx's cancellation so a
// dropped client cannot interrupt a rollback.
func (c Compensations) Run(ctx context.Context, logger *slog.Logger) []CompensationResult {
	ctx = context.WithoutCancel(ctx)
	results := make([]CompensationResult, 0, len(c))
	for _, comp := range c {
		err := comp.Do(ctx)
		results = append(results, CompensationResult{Name: comp.Name, Err: err})
		if err != nil {
			logger.Error("compensation failed",
				slog.String("action", comp.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("compensation succeeded", slog.String("action", comp.Name))
	}
	return results
}

// Failed returns the results that carry an error.
func Failed(results []CompensationResult) []CompensationResult {
	var failed []CompensationResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
