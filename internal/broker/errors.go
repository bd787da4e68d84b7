package broker

import (
	"context"
	"errors"
	"strings"
)

// transientPhrases are substrings of broker errors that indicate a condition
// worth retrying on the next cycle rather than treating as structural.
var transientPhrases = []string{
	"timeout",
	"timed out",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"too many requests",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"eof",
}

// benignClosedPhrases identify rejections caused purely by the market being
// closed. These rejections must never escalate to a hard stop.
var benignClosedPhrases = []string{
	"market is closed",
	"market closed",
	"outside of trading hours",
	"outside trading hours",
	"after hours",
	"after-hours",
	"extended hours",
	"pre-market",
	"premarket",
	"weekend",
	"holiday",
	"session is closed",
}

// structuralPhrases identify order rejections that indicate the order itself
// is malformed relative to broker state and will never succeed as-is.
var structuralPhrases = []string{
	"missing",
	"invalid",
	"mismatch",
	"not found",
	"unknown symbol",
	"insufficient",
}

func containsAny(s string, phrases []string) bool {
	lower := strings.ToLower(s)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err looks like a temporary failure. 5xx and
// 429 API errors are transient; 4xx are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 429 || apiErr.Status >= 500 {
			return true
		}
		if apiErr.Status >= 400 {
			return false
		}
	}
	return containsAny(err.Error(), transientPhrases)
}

// IsBenignMarketClosed reports whether a rejection message is explained by
// the market being closed.
func IsBenignMarketClosed(message string) bool {
	return containsAny(message, benignClosedPhrases)
}

// IsStructuralRejection reports whether a rejection message indicates a
// malformed or impossible order. Market-closed rejections are checked first
// by callers and take precedence.
func IsStructuralRejection(message string) bool {
	if IsBenignMarketClosed(message) {
		return false
	}
	return containsAny(message, structuralPhrases)
}
