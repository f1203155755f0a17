package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
	"github.com/example/accessibility-check/internal/repository"
	"github.com/example/accessibility-check/internal/scoring"
)

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.ClassificationLog
	saveErr   error
	findLog   *repository.ClassificationLog
	findErr   error
	findCalls int
	hashLogs  []*repository.ClassificationLog
	aggregate *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ClassificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.ClassificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, logging.NewOperationError("repository.find_by_request_id", requestID, errRecordNotFound)
}

func (s *stubRepository) FindByHash(ctx context.Context, hash string, before time.Time, limit int) ([]*repository.ClassificationLog, error) {
	var out []*repository.ClassificationLog
	for _, l := range s.hashLogs {
		if l.SHA1Hash == hash && l.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregate, nil
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	values    map[string]string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	if len(s.getValues) > 0 {
		value := s.getValues[0]
		s.getValues = s.getValues[1:]
		return value, nil
	}
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", ErrCacheMiss
}

type fixedPredictor struct {
	pred  scoring.RawPrediction
	err   error
	calls atomic.Int32
}

func (f *fixedPredictor) Predict(ctx context.Context, t *imageprocessor.ImageTensor) (scoring.RawPrediction, error) {
	f.calls.Add(1)
	return f.pred, f.err
}

func (f *fixedPredictor) Close() error { return nil }

type stubLocator struct{ err error }

func (s stubLocator) Locate() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "models/accessibility.json", nil
}

type countingLoader struct {
	predictor model.Predictor
	kind      model.Kind
	size      imageprocessor.Size
	loads     atomic.Int32
}

func (c *countingLoader) Load(path string) (*model.Handle, error) {
	c.loads.Add(1)
	time.Sleep(10 * time.Millisecond)
	return model.NewHandle(c.kind, path, c.size, c.predictor), nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

var errRecordNotFound = gorm.ErrRecordNotFound

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 12; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(20 * x), G: uint8(25 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestUseCase(pred model.Predictor, repo ClassificationRepository, cache Cache) (*ClassificationUseCase, *countingLoader, *model.Provider) {
	loader := &countingLoader{predictor: pred, kind: model.KindGenericEstimator, size: imageprocessor.Size{Height: 16, Width: 16}}
	provider := model.NewProvider(stubLocator{}, loader, zap.NewNop(), model.Options{})
	uc := NewClassificationUseCase(provider, imageprocessor.NewNormalizer(zap.NewNop()), repo, cache, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc, loader, provider
}

func TestClassifyReducesAndLabels(t *testing.T) {
	pred := &fixedPredictor{pred: scoring.Vector(0.1, 0.2, 0.9)}
	repo := &stubRepository{}
	cache := &stubCache{}
	uc, _, _ := newTestUseCase(pred, repo, cache)

	c, err := uc.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Score != 1 || c.Label != scoring.LabelInaccessible {
		t.Fatalf("expected clamped 1.0/Inaccessible, got %v/%s", c.Score, c.Label)
	}
	if c.ModelKind != model.KindGenericEstimator.String() {
		t.Fatalf("unexpected model kind %s", c.ModelKind)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].RequestID != c.RequestID {
		t.Fatalf("expected log for %s to be saved, got %+v", c.RequestID, repo.savedLogs)
	}
	if repo.savedLogs[0].ModelPath != "models/accessibility.json" {
		t.Fatalf("unexpected model path %s", repo.savedLogs[0].ModelPath)
	}
	if len(cache.setKeys) != 1 || cache.setKeys[0] != "classification:"+c.RequestID {
		t.Fatalf("unexpected cache keys %v", cache.setKeys)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	uc, _, _ := newTestUseCase(meanPredictor{}, nil, nil)
	data := testImage(t)

	first, err := uc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := uc.Classify(context.Background(), data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Score != second.Score || first.Label != second.Label || first.SHA1Hash != second.SHA1Hash {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
	if first.RequestID == second.RequestID {
		t.Fatal("expected distinct request ids")
	}
}

// meanPredictor scores the mean pixel intensity, like the heuristic estimator.
type meanPredictor struct{}

func (meanPredictor) Predict(ctx context.Context, t *imageprocessor.ImageTensor) (scoring.RawPrediction, error) {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return scoring.Scalar(sum / float64(len(t.Data))), nil
}

func (meanPredictor) Close() error { return nil }

func TestConcurrentFirstCallsLoadModelOnce(t *testing.T) {
	pred := &fixedPredictor{pred: scoring.Matrix([]float64{0.33})}
	uc, loader, provider := newTestUseCase(pred, nil, nil)
	data := testImage(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Classification, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = uc.Classify(context.Background(), data)
		}(i)
	}
	wg.Wait()

	if got := loader.loads.Load(); got != 1 {
		t.Fatalf("expected one model load, got %d", got)
	}
	if provider.Loads() != 1 {
		t.Fatalf("expected provider load count 1, got %d", provider.Loads())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if math.Abs(results[i].Score-0.33) > 1e-9 || results[i].Label != scoring.LabelAccessible {
			t.Fatalf("caller %d: unexpected result %+v", i, results[i])
		}
	}
	if got := pred.calls.Load(); got != callers {
		t.Fatalf("expected %d predictions, got %d", callers, got)
	}
}

func TestClassifyUsesNeutralScoreForIrregularOutput(t *testing.T) {
	pred := &fixedPredictor{pred: scoring.Matrix([]float64{0.9, 0.1, 0.3}, []float64{0.2})}
	uc, _, _ := newTestUseCase(pred, nil, nil)

	c, err := uc.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Score != scoring.NeutralScore || c.Label != scoring.LabelSomewhatAccessible {
		t.Fatalf("expected neutral result, got %v/%s", c.Score, c.Label)
	}
}

func TestClassifyReportsMissingModelWithoutRetry(t *testing.T) {
	notFound := &model.ModelNotFoundError{Attempted: []string{"a.onnx", "b.json"}}
	loader := &countingLoader{}
	provider := model.NewProvider(stubLocator{err: notFound}, loader, zap.NewNop(), model.Options{})
	uc := NewClassificationUseCase(provider, imageprocessor.NewNormalizer(nil), nil, nil, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := uc.Classify(context.Background(), testImage(t))
		var nf *model.ModelNotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("attempt %d: expected ModelNotFoundError, got %T (%v)", i, err, err)
		}
		if len(nf.Attempted) != 2 {
			t.Fatalf("expected attempted paths to be reported, got %v", nf.Attempted)
		}
	}
	if provider.State() != model.StateFailed {
		t.Fatalf("expected failed state, got %s", provider.State())
	}
}

func TestClassifyRejectsUndecodableImage(t *testing.T) {
	pred := &fixedPredictor{pred: scoring.Scalar(0.1)}
	repo := &stubRepository{}
	uc, _, _ := newTestUseCase(pred, repo, nil)

	_, err := uc.Classify(context.Background(), []byte("not an image"))
	var decodeErr *imageprocessor.ImageDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected ImageDecodeError, got %T (%v)", err, err)
	}
	if pred.calls.Load() != 0 || len(repo.savedLogs) != 0 {
		t.Fatal("expected pipeline to stop before prediction")
	}

	if _, err := uc.Classify(context.Background(), testImage(t)); err != nil {
		t.Fatalf("expected later requests to succeed, got %v", err)
	}
}

func TestClassifyRetriesTransientCacheErrors(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc, _, _ := newTestUseCase(&fixedPredictor{pred: scoring.Scalar(0.5)}, nil, cache)

	c, err := uc.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry against the same key, got %v", cache.setKeys)
	}
	if _, ok := cache.values[cacheKey(c.RequestID)]; !ok {
		t.Fatal("expected result to be cached")
	}
}

func TestClassifyToleratesCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("connection refused")}}
	uc, _, _ := newTestUseCase(&fixedPredictor{pred: scoring.Scalar(0.2)}, nil, cache)

	c, err := uc.Classify(context.Background(), testImage(t))
	if err != nil {
		t.Fatalf("expected cache failure to be tolerated, got %v", err)
	}
	if c.Label != scoring.LabelAccessible {
		t.Fatalf("unexpected label %s", c.Label)
	}
}

func TestClassifyReturnsOperationErrorOnSaveFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc, _, _ := newTestUseCase(&fixedPredictor{pred: scoring.Scalar(0.2)}, repo, nil)

	_, err := uc.Classify(context.Background(), testImage(t))
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.save_log" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestGetResultPrefersCache(t *testing.T) {
	cached, _ := json.Marshal(Classification{RequestID: "req", Score: 0.7, Label: scoring.LabelInaccessible})
	cache := &stubCache{getValues: []string{string(cached)}}
	repo := &stubRepository{}
	uc, _, _ := newTestUseCase(&fixedPredictor{}, repo, cache)

	c, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Score != 0.7 || c.Label != scoring.LabelInaccessible {
		t.Fatalf("unexpected result %+v", c)
	}
	if repo.findCalls != 0 {
		t.Fatal("expected repository not to be queried")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{ErrCacheMiss}}
	repo := &stubRepository{findLog: &repository.ClassificationLog{RequestID: "req", Score: 0.45, Label: string(scoring.LabelSomewhatAccessible)}}
	uc, _, _ := newTestUseCase(&fixedPredictor{}, repo, cache)

	c, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if c.RequestID != "req" || c.Label != scoring.LabelSomewhatAccessible {
		t.Fatalf("unexpected result %+v", c)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultNotFound(t *testing.T) {
	uc, _, _ := newTestUseCase(&fixedPredictor{}, &stubRepository{}, &stubCache{})

	_, err := uc.GetResult(context.Background(), "missing")
	if !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}

	bare, _, _ := newTestUseCase(&fixedPredictor{}, nil, nil)
	if _, err := bare.GetResult(context.Background(), "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound without storage, got %v", err)
	}
}

func TestGetDuplicateReportListsOnlyEarlierRows(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	self := &repository.ClassificationLog{RequestID: "req", SHA1Hash: "abc", CreatedAt: now}
	repo := &stubRepository{
		findLog: self,
		hashLogs: []*repository.ClassificationLog{
			{RequestID: "newer", SHA1Hash: "abc", CreatedAt: now.Add(time.Minute)},
			self,
			{RequestID: "older-1", SHA1Hash: "abc", CreatedAt: now.Add(-time.Minute)},
			{RequestID: "older-2", SHA1Hash: "abc", CreatedAt: now.Add(-time.Hour)},
			{RequestID: "other-image", SHA1Hash: "def", CreatedAt: now.Add(-time.Minute)},
		},
	}
	uc, _, _ := newTestUseCase(&fixedPredictor{}, repo, nil)

	report, err := uc.GetDuplicateReport(context.Background(), "req", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Request.RequestID != "req" {
		t.Fatalf("unexpected request %+v", report.Request)
	}
	if len(report.Duplicates) != 2 || report.Duplicates[0].RequestID != "older-1" || report.Duplicates[1].RequestID != "older-2" {
		t.Fatalf("expected only earlier duplicates, got %+v", report.Duplicates)
	}

	limited, err := uc.GetDuplicateReport(context.Background(), "req", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited.Duplicates) != 1 || limited.Duplicates[0].RequestID != "older-1" {
		t.Fatalf("expected limit to keep the newest earlier row, got %+v", limited.Duplicates)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregate: &repository.MetricsAggregation{
		TotalCount:   4,
		AverageScore: 0.5,
		Labels: []repository.LabelCount{
			{Label: string(scoring.LabelAccessible), Count: 3},
			{Label: string(scoring.LabelInaccessible), Count: 1},
		},
	}}
	uc, _, _ := newTestUseCase(&fixedPredictor{}, repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalRequests != 4 || summary.Labels[scoring.LabelAccessible] != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Labels[scoring.LabelSomewhatAccessible] != 0 {
		t.Fatalf("expected zero count for unseen label, got %d", summary.Labels[scoring.LabelSomewhatAccessible])
	}
	if summary.ModelState != model.StateUnloaded.String() {
		t.Fatalf("unexpected model state %s", summary.ModelState)
	}

	bare, _, _ := newTestUseCase(&fixedPredictor{}, nil, nil)
	if _, err := bare.GetMetricsSummary(context.Background()); !errors.Is(err, ErrPersistenceDisabled) {
		t.Fatalf("expected ErrPersistenceDisabled, got %v", err)
	}
}
