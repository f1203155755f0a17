package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
	"github.com/example/accessibility-check/internal/repository"
	"github.com/example/accessibility-check/internal/scoring"
)

// ErrResultNotFound is returned when no classification exists for a request ID.
var ErrResultNotFound = errors.New("classification result not found")

// ModelProvider yields the lazily loaded model handle.
type ModelProvider interface {
	Handle(ctx context.Context) (*model.Handle, error)
	State() model.State
	Loads() int64
}

// Normalizer converts image bytes into model input.
type Normalizer interface {
	Normalize(data []byte, size imageprocessor.Size) (*imageprocessor.ImageTensor, error)
}

// ClassificationRepository defines the persistence operations needed by the use case.
type ClassificationRepository interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error)
	FindByHash(ctx context.Context, hash string, before time.Time, limit int) ([]*repository.ClassificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Classification is the outcome of one classify call.
type Classification struct {
	RequestID string        `json:"request_id"`
	Score     float64       `json:"score"`
	Label     scoring.Label `json:"label"`
	ModelKind string        `json:"model_kind"`
	SHA1Hash  string        `json:"sha1_hash"`
	LatencyMs float64       `json:"latency_ms"`
	CreatedAt time.Time     `json:"created_at"`
}

// Result returns the score and label pair.
func (c *Classification) Result() scoring.Result {
	return scoring.Result{Score: c.Score, Label: c.Label}
}

// DuplicateReport lists earlier classifications of the same image.
type DuplicateReport struct {
	Request    *Classification   `json:"request"`
	Duplicates []*Classification `json:"duplicates"`
}

// ClassificationUseCase runs the inference pipeline and records its results.
type ClassificationUseCase struct {
	models     ModelProvider
	normalizer Normalizer
	reducer    *scoring.Reducer
	repo       ClassificationRepository
	cache      Cache
	logger     *zap.Logger
	now        func() time.Time

	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewClassificationUseCase wires the pipeline. repo and cache may be nil, in
// which case results are neither persisted nor cached.
func NewClassificationUseCase(models ModelProvider, normalizer Normalizer, repo ClassificationRepository, cache Cache, logger *zap.Logger) *ClassificationUseCase {
	return &ClassificationUseCase{
		models:         models,
		normalizer:     normalizer,
		reducer:        scoring.NewReducer(logger),
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("classification_usecase"),
		now:            time.Now,
		cacheTTL:       10 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Classify scores one image. See ClassifyFor.
func (uc *ClassificationUseCase) Classify(ctx context.Context, imageBytes []byte) (*Classification, error) {
	return uc.ClassifyFor(ctx, "", imageBytes)
}

// ClassifyFor scores one image on behalf of subject (may be empty). Model
// errors wrap *model.ModelNotFoundError or *model.ModelLoadError; bad input
// wraps *imageprocessor.ImageDecodeError.
func (uc *ClassificationUseCase) ClassifyFor(ctx context.Context, subject string, imageBytes []byte) (*Classification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	started := uc.now()

	handle, err := uc.models.Handle(ctx)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.load_model", requestID, err)
		opLogger.Error("model unavailable", zap.Error(wrapped))
		return nil, wrapped
	}

	tensor, err := uc.normalizer.Normalize(imageBytes, handle.InputSize())
	if err != nil {
		wrapped := logging.NewOperationError("usecase.normalize", requestID, err)
		opLogger.Info("rejected image", zap.Error(wrapped))
		return nil, wrapped
	}

	raw, err := handle.Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict", requestID, err)
		opLogger.Error("prediction failed", zap.Error(wrapped), zap.Stringer("kind", handle.Kind()))
		return nil, wrapped
	}

	result := scoring.NewResult(uc.reducer.Reduce(raw))
	hash := sha1.Sum(imageBytes)
	finished := uc.now()
	c := &Classification{
		RequestID: requestID,
		Score:     result.Score,
		Label:     result.Label,
		ModelKind: handle.Kind().String(),
		SHA1Hash:  hex.EncodeToString(hash[:]),
		LatencyMs: float64(finished.Sub(started).Microseconds()) / 1000,
		CreatedAt: finished.UTC(),
	}
	opLogger.Info("image classified",
		zap.Float64("score", c.Score),
		zap.String("label", string(c.Label)),
		zap.Ints("raw_shape", raw.Shape),
		zap.Float64("latency_ms", c.LatencyMs))

	if uc.repo != nil {
		log := toLog(c)
		log.ModelPath = handle.Path()
		log.Subject = subject
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
			opLogger.Error("failed to persist classification log", zap.Error(wrapped))
			return nil, wrapped
		}
	}

	uc.cacheResult(ctx, c)
	return c, nil
}

// GetResult retrieves a classification from the cache, falling back to the audit log.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) (*Classification, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if uc.cache != nil {
		cached, err := uc.withCacheGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
		switch {
		case err == nil:
			var c Classification
			if err := json.Unmarshal([]byte(cached), &c); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
				break
			}
			return &c, nil
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return fromLog(log), nil
}

// GetDuplicateReport lists earlier classifications of the same image bytes.
func (uc *ClassificationUseCase) GetDuplicateReport(ctx context.Context, requestID string, limit int) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, ErrPersistenceDisabled
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	matches, err := uc.repo.FindByHash(ctx, log.SHA1Hash, log.CreatedAt, limit)
	if err != nil {
		return nil, err
	}
	report := &DuplicateReport{Request: fromLog(log), Duplicates: make([]*Classification, 0, len(matches))}
	for _, m := range matches {
		report.Duplicates = append(report.Duplicates, fromLog(m))
	}
	return report, nil
}

// ModelState reports the model lifecycle for health endpoints.
func (uc *ClassificationUseCase) ModelState() model.State {
	return uc.models.State()
}

func (uc *ClassificationUseCase) cacheResult(ctx context.Context, c *Classification) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(c)
	if err != nil {
		uc.logger.Error("failed to serialize classification", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, c.RequestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey(c.RequestID), string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.classify", c.RequestID).
			Warn("failed to cache classification", zap.Error(err))
	}
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("classification:%s", requestID)
}

func (uc *ClassificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ClassificationUseCase) withCacheGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func toLog(c *Classification) *repository.ClassificationLog {
	return &repository.ClassificationLog{
		RequestID: c.RequestID,
		Score:     c.Score,
		Label:     string(c.Label),
		ModelKind: c.ModelKind,
		SHA1Hash:  c.SHA1Hash,
		LatencyMs: c.LatencyMs,
		CreatedAt: c.CreatedAt,
	}
}

func fromLog(log *repository.ClassificationLog) *Classification {
	return &Classification{
		RequestID: log.RequestID,
		Score:     log.Score,
		Label:     scoring.Label(log.Label),
		ModelKind: log.ModelKind,
		SHA1Hash:  log.SHA1Hash,
		LatencyMs: log.LatencyMs,
		CreatedAt: log.CreatedAt,
	}
}
