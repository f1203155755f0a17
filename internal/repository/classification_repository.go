package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/accessibility-check/internal/logging"
)

// ClassificationLog is the audit record of one classification. The uploaded
// image itself is never stored, only its digest.
type ClassificationLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Score     float64   `gorm:"column:score"`
	Label     string    `gorm:"column:label;size:32;index"`
	ModelKind string    `gorm:"column:model_kind;size:32"`
	ModelPath string    `gorm:"column:model_path;size:512"`
	SHA1Hash  string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs float64   `gorm:"column:latency_ms"`
	Subject   string    `gorm:"column:subject;size:64"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ClassificationLog) TableName() string {
	return "classification_logs"
}

// LabelCount is the number of logs carrying a label.
type LabelCount struct {
	Label string
	Count int64
}

// MetricsAggregation holds aggregate values computed over all logs.
type MetricsAggregation struct {
	TotalCount       int64
	AverageScore     float64
	AverageLatencyMs float64
	Labels           []LabelCount
}

// ClassificationRepository persists classification logs with GORM.
type ClassificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationRepository creates a new repository instance.
func NewClassificationRepository(db *gorm.DB, logger *zap.Logger) *ClassificationRepository {
	return &ClassificationRepository{
		db:             db,
		logger:         logger.Named("classification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ClassificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ClassificationLog{})
	})
}

// SaveLog persists a classification log entry.
func (r *ClassificationRepository) SaveLog(ctx context.Context, log *ClassificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *ClassificationRepository) FindByRequestID(ctx context.Context, requestID string) (*ClassificationLog, error) {
	var log ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindByHash lists classifications of the same image bytes created strictly
// before the given time, newest first.
func (r *ClassificationRepository) FindByHash(ctx context.Context, hash string, before time.Time, limit int) ([]*ClassificationLog, error) {
	var logs []*ClassificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_hash", "", func() error {
		return earlierByHash(r.db.WithContext(ctx), hash, before, limit).Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func earlierByHash(tx *gorm.DB, hash string, before time.Time, limit int) *gorm.DB {
	return tx.Where("sha1_hash = ? AND created_at < ?", hash, before).
		Order("created_at DESC").
		Limit(limit)
}

// AggregateMetrics computes totals, averages and per-label counts.
func (r *ClassificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount       int64
		AverageScore     float64
		AverageLatencyMs float64
	}
	var labels []LabelCount
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		if err := r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("COUNT(*) AS total_count, COALESCE(AVG(score), 0) AS average_score, COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&totals).Error; err != nil {
			return err
		}
		labels = labels[:0]
		return r.db.WithContext(ctx).Model(&ClassificationLog{}).
			Select("label, COUNT(*) AS count").
			Group("label").
			Order("label").
			Scan(&labels).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       totals.TotalCount,
		AverageScore:     totals.AverageScore,
		AverageLatencyMs: totals.AverageLatencyMs,
		Labels:           labels,
	}, nil
}

// IsNotFound reports whether err means no matching log exists.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func (r *ClassificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !IsTransientError(err) || attempt == attempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	if !IsNotFound(err) {
		opLogger.Error("database operation failed", zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports timeouts and temporary network failures.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
