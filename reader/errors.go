package reader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricewatch/models"
	"pricewatch/processor"
	"pricewatch/reader/site"
)

// FetchError is a classified fetch failure.
type FetchError struct {
	Kind       models.FailureKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf maps any error returned by a fetch onto a failure kind.
func KindOf(err error) models.FailureKind {
	var fe *FetchError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, site.ErrMarkupNotFound):
		return models.KindMarkupNotFound
	case errors.Is(err, processor.ErrParse):
		return models.KindParse
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.KindDeadlineExceeded
	default:
		return models.KindNetwork
	}
}
