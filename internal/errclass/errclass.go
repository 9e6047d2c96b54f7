// Package errclass maps runtime and transport errors onto the small taxonomy
// the UI surfaces to users. Classification is substring matching over a fixed
// lexicon; it is deliberately a pure function so it stays out of the hot path
// of permission decisions.
package errclass

import (
	"context"
	"errors"
	"strings"
)

// Kind is the classified error category.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindInterrupted    Kind = "interrupted"
	KindUnknown        Kind = "unknown"
)

var (
	networkKeys = []string{
		"enotfound", "econnrefused", "econnreset",
		"network", "dns", "socket",
		"connection refused", "unable to connect",
	}
	authKeys = []string{
		"401", "403", "api key", "authentication",
		"unauthorized", "forbidden", "invalid key", "invalid_api_key",
	}
	rateLimitKeys = []string{
		"429", "rate limit", "rate_limit",
		"too many requests", "quota exceeded", "throttl",
	}
	timeoutKeys = []string{
		"timeout", "timed out", "etimedout",
	}
	interruptedKeys = []string{
		"aborted", "cancelled", "canceled", "interrupted",
	}
)

// Classify maps an error to its Kind. Context cancellation classifies as
// interrupted and deadline expiry as timeout before the lexicon applies.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ClassifyMessage("", err.Error())
}

// ClassifyMessage maps an error name and message onto a Kind. The name is
// matched like the message, plus the two name-prefix rules: a name starting
// with "timeout" is a timeout, and the name "AbortError" is an interruption.
func ClassifyMessage(name, message string) Kind {
	lowerName := strings.ToLower(name)
	combined := lowerName + " " + strings.ToLower(message)

	if containsAny(combined, networkKeys) {
		return KindNetwork
	}
	if containsAny(combined, authKeys) {
		return KindAuthentication
	}
	if containsAny(combined, rateLimitKeys) {
		return KindRateLimit
	}
	if containsAny(combined, timeoutKeys) || strings.HasPrefix(lowerName, "timeout") {
		return KindTimeout
	}
	if containsAny(combined, interruptedKeys) || lowerName == "aborterror" {
		return KindInterrupted
	}
	return KindUnknown
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// UserMessage returns the fixed user-facing string for a Kind.
func UserMessage(k Kind) string {
	switch k {
	case KindNetwork:
		return "Connection failed. Please check your internet connection and try again."
	case KindAuthentication:
		return "Authentication failed. Please check your API key configuration."
	case KindRateLimit:
		return "Rate limit reached. Please wait a moment and try again."
	case KindTimeout:
		return "The request timed out. Please try again."
	case KindInterrupted:
		return "Request was interrupted."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// UserMessageFor is shorthand for UserMessage(Classify(err)).
func UserMessageFor(err error) string {
	return UserMessage(Classify(err))
}
