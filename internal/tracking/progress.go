package tracking

import (
	"math"
	"time"

	"genwatch/internal/domain"
)

const (
	DefaultQueueBudget      = 5 * time.Second
	DefaultProcessingBudget = 45 * time.Second

	queuedFloor     = 1.0
	queuedCeiling   = 15.0
	processingFloor = 15.0
	processingCap   = 95.0
)

// Estimator maps a job phase and its timestamps to a progress percentage.
// It holds only configuration; Estimate has no side effects.
type Estimator struct {
	QueueBudget      time.Duration
	ProcessingBudget time.Duration
}

// NewEstimator returns an Estimator with the given budgets, falling back to
// the defaults for non-positive values.
func NewEstimator(queueBudget, processingBudget time.Duration) Estimator {
	if queueBudget <= 0 {
		queueBudget = DefaultQueueBudget
	}
	if processingBudget <= 0 {
		processingBudget = DefaultProcessingBudget
	}
	return Estimator{QueueBudget: queueBudget, ProcessingBudget: processingBudget}
}

// Estimate returns a percentage in [0,100]. Queued jobs ramp linearly from 1
// to 15 over the queue budget; processing jobs ease from 15 towards 95 and
// never pass it. Only the terminal completed phase yields 100.
func (e Estimator) Estimate(phase domain.JobStatus, now, createdAt, processingStartedAt time.Time) float64 {
	switch phase {
	case domain.JobStatusCompleted:
		return 100
	case domain.JobStatusFailed:
		return 0
	case domain.JobStatusProcessing:
		start := processingStartedAt
		if start.IsZero() {
			start = createdAt
		}
		ratio := elapsedRatio(now, start, e.processingBudget())
		value := processingCap*(1-math.Exp(-2*ratio)) + processingFloor
		return math.Min(value, processingCap)
	default:
		ratio := math.Min(elapsedRatio(now, createdAt, e.queueBudget()), 1)
		return queuedFloor + (queuedCeiling-queuedFloor)*ratio
	}
}

func (e Estimator) queueBudget() time.Duration {
	if e.QueueBudget <= 0 {
		return DefaultQueueBudget
	}
	return e.QueueBudget
}

func (e Estimator) processingBudget() time.Duration {
	if e.ProcessingBudget <= 0 {
		return DefaultProcessingBudget
	}
	return e.ProcessingBudget
}

func elapsedRatio(now, start time.Time, budget time.Duration) float64 {
	if start.IsZero() {
		return 0
	}
	elapsed := now.Sub(start)
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / float64(budget)
}
