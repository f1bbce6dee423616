// Package ratelimit throttles receipt recognition per user. OCR is the one
// operation expensive enough to need a ceiling; everything else is cheap
// database work.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the caller's bucket is empty.
var ErrRateLimited = errors.New("rate_limited")

// Limiter answers whether one more recognition may start for the user.
type Limiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

func recognizeKey(userID int64) string {
	return fmt.Sprintf("ratelimit:recognize:%d", userID)
}
