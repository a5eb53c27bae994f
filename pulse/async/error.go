package async

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for task failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Can the task be retried?
}

// ClassifyError categorizes an error by sentinel first, then by message.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	errMsg := err.Error()
	errLower := strings.ToLower(errMsg)

	ec := ErrorContext{
		Stage:   stage,
		Message: errMsg,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
	case errors.IsNotFoundError(err):
		ec.Code = ErrorCodeNotFound
	case errors.IsInvalidRequestError(err) || strings.Contains(errLower, "validation"):
		ec.Code = ErrorCodeValidationError
	case strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "parse"):
		ec.Code = ErrorCodeParseError
	case strings.Contains(errLower, "database is locked") || strings.Contains(errLower, "sql"):
		ec.Code = ErrorCodeDatabaseError
		ec.Retryable = true
	default:
		ec.Code = ErrorCodeUnknown
	}

	return ec
}

// RetryableError requeues the task when retries remain and returns a wrapped
// error. Once MaxRetries is reached it returns the final error instead.
func RetryableError(ctx context.Context, queue *Queue, task *Task, operation string, err error, log *zap.SugaredLogger) error {
	if task.RetryCount < MaxRetries {
		task.RetryCount++
		task.Error = fmt.Sprintf("%s (retry %d/%d): %v", operation, task.RetryCount, MaxRetries, err)
		task.Status = TaskStatusQueued
		task.StartedAt = nil
		if updateErr := queue.UpdateTask(ctx, task); updateErr != nil {
			log.Warnw("Failed to update task for retry",
				logger.FieldError, updateErr,
			)
		} else {
			log.Infow("Retry scheduled",
				"retry_count", task.RetryCount,
				"max_retries", MaxRetries,
				"operation", operation,
			)
		}
		return fmt.Errorf("retriable: %w", err)
	}
	log.Warnw("Max retries exceeded",
		"max_retries", MaxRetries,
		"operation", operation,
	)
	return fmt.Errorf("%s after %d retries: %w", operation, MaxRetries, err)
}
