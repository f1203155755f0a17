package usecase

import (
	"context"
	"errors"

	"github.com/example/accessibility-check/internal/scoring"
)

// ErrPersistenceDisabled is returned by queries that need the audit log when
// no repository is configured.
var ErrPersistenceDisabled = errors.New("classification history is not enabled")

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests    int64                   `json:"total_requests"`
	AverageScore     float64                 `json:"average_score"`
	AverageLatencyMs float64                 `json:"average_latency_ms"`
	Labels           map[scoring.Label]int64 `json:"labels"`
	ModelState       string                  `json:"model_state"`
	ModelLoads       int64                   `json:"model_loads"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:    aggregation.TotalCount,
		AverageScore:     aggregation.AverageScore,
		AverageLatencyMs: aggregation.AverageLatencyMs,
		Labels: map[scoring.Label]int64{
			scoring.LabelAccessible:         0,
			scoring.LabelSomewhatAccessible: 0,
			scoring.LabelInaccessible:       0,
		},
		ModelState: uc.models.State().String(),
		ModelLoads: uc.models.Loads(),
	}
	for _, lc := range aggregation.Labels {
		summary.Labels[scoring.Label(lc.Label)] = lc.Count
	}

	return summary, nil
}
