package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when request parameters are invalid
	ErrInvalidRequest = errors.New("invalid request parameters")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrModelNotReady is returned when the model service has not been initialized
	ErrModelNotReady = errors.New("model not ready")

	// ErrModelNotFound is returned by a ModelStore when no model has been saved yet
	ErrModelNotFound = errors.New("model not found")

	// ErrInferenceFailed is returned when every inference attempt failed
	ErrInferenceFailed = errors.New("inference failed")

	// ErrInferenceTimeout is returned when a single inference attempt exceeded its deadline
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrTrainingInProgress is returned when a training run is already active
	ErrTrainingInProgress = errors.New("training already in progress")

	// ErrInsufficientData is returned when there are too few samples to train
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrStorageUnavailable is returned when the durable store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InferenceError is returned after the retry budget is exhausted
type InferenceError struct {
	Attempts int
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrInferenceFailed, e.Attempts, e.Err)
}

// Unwrap exposes both the failure class and the last cause to errors.Is
func (e *InferenceError) Unwrap() []error {
	return []error{ErrInferenceFailed, e.Err}
}
