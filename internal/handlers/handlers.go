package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/accessibility-check/internal/auth"
	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
	"github.com/example/accessibility-check/internal/usecase"
)

// MaxUploadSize is the default upload limit in bytes.
const MaxUploadSize = 16 << 20

var allowedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".webp": {},
}

var allowedContentTypes = map[string]struct{}{
	"image/png": {}, "image/jpeg": {}, "image/gif": {}, "image/bmp": {}, "image/webp": {},
	"image/x-ms-bmp": {},
}

// Classifier is the subset of the use case the HTTP layer needs.
type Classifier interface {
	ClassifyFor(ctx context.Context, subject string, imageBytes []byte) (*usecase.Classification, error)
	GetResult(ctx context.Context, requestID string) (*usecase.Classification, error)
	GetDuplicateReport(ctx context.Context, requestID string, limit int) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	ModelState() model.State
}

// Options tunes route registration. Protected guards the result and metrics
// routes and Identify runs ahead of the classify routes; nil leaves them open.
type Options struct {
	MaxUploadBytes int64
	Protected      gin.HandlerFunc
	Identify       gin.HandlerFunc
	Logger         *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc Classifier, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		state := uc.ModelState()
		status := http.StatusOK
		body := gin.H{"status": "ok", "model": state.String()}
		if state == model.StateFailed || state == model.StateClosed {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	classify := func(c *gin.Context) {
		data, ok := readUpload(c, opts.MaxUploadBytes)
		if !ok {
			return
		}
		subject, _ := auth.GetUserID(c.Request.Context())

		result, err := uc.ClassifyFor(c.Request.Context(), subject, data)
		if err != nil {
			status, message := classifyError(err)
			if status >= http.StatusInternalServerError {
				logFailure(logger, "classification failed", err)
			}
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": result.RequestID,
			"score":      roundScore(result.Score),
			"label":      result.Label,
		})
	}
	classifyChain := []gin.HandlerFunc{classify}
	if opts.Identify != nil {
		classifyChain = []gin.HandlerFunc{opts.Identify, classify}
	}
	router.POST("/classify", classifyChain...)
	router.POST("/upload", classifyChain...)

	group := router.Group("/")
	if opts.Protected != nil {
		group.Use(opts.Protected)
	}

	group.GET("/result/:id", func(c *gin.Context) {
		result, err := uc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, usecase.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			logFailure(logger, "result lookup failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "result lookup failed"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	group.GET("/result/:id/duplicates", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit < 1 || limit > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("id"), limit)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, report)
		case errors.Is(err, usecase.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		case errors.Is(err, usecase.ErrPersistenceDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		default:
			logFailure(logger, "duplicate lookup failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "duplicate lookup failed"})
		}
	})

	group.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, summary)
		case errors.Is(err, usecase.ErrPersistenceDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		default:
			logFailure(logger, "metrics aggregation failed", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		}
	})
}

// readUpload validates and reads the multipart image. It writes the error
// response itself and reports false on failure.
func readUpload(c *gin.Context, limit int64) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, err = c.FormFile("image")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file part in request"})
		return nil, false
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file selected"})
		return nil, false
	}
	if file.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, false
	}

	if ct := file.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if _, ok := allowedContentTypes[mediaType]; err != nil || !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
			return nil, false
		}
	}
	if ext := strings.ToLower(filepath.Ext(file.Filename)); ext != "" {
		if _, ok := allowedExtensions[ext]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type. Please upload PNG, JPG, JPEG, GIF, BMP or WEBP"})
			return nil, false
		}
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	if int64(len(data)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return nil, false
	}
	return data, true
}

func classifyError(err error) (int, string) {
	var decodeErr *imageprocessor.ImageDecodeError
	var notFound *model.ModelNotFoundError
	var loadErr *model.ModelLoadError
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, "Error processing image: " + decodeErr.Error()
	case errors.As(err, &notFound):
		return http.StatusInternalServerError, "model not available"
	case errors.As(err, &loadErr):
		return http.StatusInternalServerError, "model failed to load"
	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"
	default:
		return http.StatusInternalServerError, "classification failed"
	}
}

// logFailure records err along with the operation it failed in, if known.
func logFailure(logger *zap.Logger, msg string, err error) {
	fields := []zap.Field{zap.Error(err)}
	if op := logging.OperationOf(err); op != "" {
		fields = append(fields, zap.String("operation", op))
	}
	logger.Error(msg, fields...)
}

func roundScore(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
