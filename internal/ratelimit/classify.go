// Package ratelimit implements C6: classifying raw agent/judge failures
// into a scheduling decision (retry with delay, skip-and-fail, or abort),
// grounded on kilroy's engine/provider_error_classification.go string-match
// heuristics and its typed llm.Error fast path.
package ratelimit

import (
	"strings"
	"time"
)

// Class is one of the ordered failure categories from §4.6.
type Class string

const (
	ClassRateLimited      Class = "RATE_LIMITED"
	ClassTransientNetwork Class = "TRANSIENT_NETWORK"
	ClassAuthentication   Class = "AUTHENTICATION"
	ClassNotFound         Class = "NOT_FOUND"
	ClassPermanent        Class = "PERMANENT"
)

// Signal carries everything the classifier needs: captured stderr, the
// process exit status, and (when the collaborator is a typed API client
// rather than a CLI) a structured status code/retry hint.
type Signal struct {
	ExitCode    int
	Stderr      string
	Err         error
	StatusCode  int // 0 when unknown
	RetryAfter  time.Duration
	ResetAt     time.Time
}

var rateLimitHints = []string{"rate limit", "too many requests", "429"}
var transientHints = []string{
	"connection reset", "early eof", "dns", "timed out", "timeout",
	"connection refused", "broken pipe", "temporary failure",
	"service unavailable", "gateway timeout", "i/o timeout",
}
var authHints = []string{"unauthorized", "401", "forbidden", "403", "missing credential", "invalid api key"}
var notFoundHints = []string{"not found", "404", "repository not found", "no such repository"}

// Classify applies the §4.6 priority order: RATE_LIMITED, then
// TRANSIENT_NETWORK, AUTHENTICATION, NOT_FOUND, else PERMANENT.
func Classify(sig Signal) Class {
	if sig.StatusCode == 429 {
		return ClassRateLimited
	}
	combined := strings.ToLower(strings.TrimSpace(sig.Stderr))
	if sig.Err != nil {
		combined += "\n" + strings.ToLower(sig.Err.Error())
	}

	if containsAny(combined, rateLimitHints) {
		return ClassRateLimited
	}
	if containsAny(combined, transientHints) {
		return ClassTransientNetwork
	}
	switch sig.StatusCode {
	case 401, 403:
		return ClassAuthentication
	case 404:
		return ClassNotFound
	}
	if containsAny(combined, authHints) {
		return ClassAuthentication
	}
	if containsAny(combined, notFoundHints) {
		return ClassNotFound
	}
	if sig.ExitCode != 0 {
		return ClassPermanent
	}
	return ClassPermanent
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Decision is the scheduling outcome for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Tag is the final error_tag applied if Retry is false (or the retry
	// budget is later exhausted).
	Tag string
}

// BackoffConfig mirrors kilroy's engine.BackoffConfig fields (spec
// defaults: 200ms initial, factor 2.0, 60s cap).
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxRetries   int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		MaxRetries:   3,
	}
}

// Decide applies the §4.6 scheduling rules for one classified failure on
// the given (1-indexed) attempt number.
func Decide(class Class, sig Signal, cfg BackoffConfig, attempt int) Decision {
	switch class {
	case ClassRateLimited:
		if attempt > cfg.MaxRetries {
			return Decision{Retry: false, Tag: "AGENT_RATE_LIMITED"}
		}
		delay := delayForAttempt(attempt, cfg)
		if !sig.ResetAt.IsZero() {
			if until := time.Until(sig.ResetAt); until > 0 {
				delay = until
			}
		} else if sig.RetryAfter > 0 && sig.RetryAfter > delay {
			delay = sig.RetryAfter
		}
		return Decision{Retry: true, Delay: delay}
	case ClassTransientNetwork:
		if attempt > cfg.MaxRetries {
			return Decision{Retry: false, Tag: "AGENT_FAILED"}
		}
		return Decision{Retry: true, Delay: delayForAttempt(attempt, cfg)}
	case ClassAuthentication:
		return Decision{Retry: false, Tag: "AGENT_FAILED"}
	case ClassNotFound:
		return Decision{Retry: false, Tag: "AGENT_FAILED"}
	default: // PERMANENT
		return Decision{Retry: false, Tag: "AGENT_FAILED"}
	}
}

func delayForAttempt(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Factor
	}
	if cfg.MaxDelay > 0 && time.Duration(d) > cfg.MaxDelay {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}
