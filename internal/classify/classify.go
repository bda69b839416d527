// Package classify maps an agent failure report to a retry policy. It is a
// pure function over its inputs; no database or clock access happens here.
package classify

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Category is one of the fixed failure buckets the policy table covers.
type Category string

const (
	Transient            Category = "transient"
	VerificationFailure  Category = "verification_failure"
	ResourceExhaustion   Category = "resource_exhaustion"
	SpecAmbiguity        Category = "spec_ambiguity"
	Unknown              Category = "unknown"
)

// BackoffKind names the shape of the delay curve a category uses.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffConstant     BackoffKind = "constant"
	BackoffCapped       BackoffKind = "capped"
)

// policy is the per-category configuration; these are specification
// values, not inferred at runtime (§4.2 design rules).
type policy struct {
	maxRetries int
	backoff    BackoffKind
	base       time.Duration
	cap        time.Duration
}

var policyTable = map[Category]policy{
	Transient:           {maxRetries: 5, backoff: BackoffExponential, base: 500 * time.Millisecond, cap: 30 * time.Second},
	VerificationFailure: {maxRetries: 3, backoff: BackoffConstant, base: 2 * time.Second, cap: 2 * time.Second},
	ResourceExhaustion:  {maxRetries: 2, backoff: BackoffCapped, base: 5 * time.Second, cap: 60 * time.Second},
	SpecAmbiguity:       {maxRetries: 0, backoff: BackoffConstant, base: 0, cap: 0},
	Unknown:             {maxRetries: 1, backoff: BackoffConstant, base: 10 * time.Second, cap: 10 * time.Second},
}

// Decision is the classifier's output, ready to be persisted onto a
// ticket's RetryStrategy and consulted by the scheduler before redispatch.
type Decision struct {
	Category          Category
	Subcategory       string
	MaxRetries        int
	BackoffType       BackoffKind
	NextDelayMs       int64
	AttemptsRemaining int
	ShouldRetry       bool
}

// classifyText maps free-form error text to a category by keyword match.
// This is deliberately simple: the classifier is a policy lookup, not a
// diagnostic engine, and an empty or unrecognized string falls through to
// Unknown rather than failing the call.
func classifyText(errText string) (Category, string) {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "out of memory"), strings.Contains(lower, "oom"):
		return ResourceExhaustion, "timeout-or-memory"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "network"), strings.Contains(lower, "unreachable"), strings.Contains(lower, "502"), strings.Contains(lower, "503"):
		return Transient, "infra"
	case strings.Contains(lower, "verification failed"), strings.Contains(lower, "acceptance criteria not met"), strings.Contains(lower, "test failure"):
		return VerificationFailure, "verifier-rejected"
	case strings.Contains(lower, "ambiguous"), strings.Contains(lower, "unclear requirement"), strings.Contains(lower, "spec conflict"):
		return SpecAmbiguity, "needs-human"
	case errText == "":
		return Unknown, "no-error-text"
	default:
		return Unknown, "unrecognized"
	}
}

// Classify is the sole exported entry point. retryCount is the ticket's
// current count before this failure is applied.
func Classify(errText string, retryCount int) Decision {
	category, sub := classifyText(errText)
	p := policyTable[category]

	// retryCount is the count *before* this failure; the failure being
	// classified right now would become attempt retryCount+1 if retried.
	// Checking that prospective count against maxRetries (rather than
	// retryCount itself) is what makes maxRetries the number of failures
	// tolerated before on_hold, not the number of failures tolerated plus
	// one: three failures against maxRetries=3 holds at retry_count=3.
	remaining := p.maxRetries - (retryCount + 1)
	if remaining < 0 {
		remaining = 0
	}

	shouldRetry := retryCount+1 < p.maxRetries && category != SpecAmbiguity

	return Decision{
		Category:          category,
		Subcategory:       sub,
		MaxRetries:        p.maxRetries,
		BackoffType:       p.backoff,
		NextDelayMs:       nextDelayMs(p, retryCount).Milliseconds(),
		AttemptsRemaining: remaining,
		ShouldRetry:       shouldRetry,
	}
}

// nextDelayMs computes the advisory delay before the ticket may be
// redispatched. The constant kind returns its base delay; the exponential
// and capped kinds both use backoff/v4's exponential curve, the capped one
// additionally clamping its output at the policy's cap.
func nextDelayMs(p policy, attempt int) time.Duration {
	switch p.backoff {
	case BackoffConstant:
		return p.base
	case BackoffCapped:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.base
		b.MaxInterval = p.cap
		b.Multiplier = 2
		b.RandomizationFactor = 0
		d := advance(b, attempt)
		if d > p.cap {
			d = p.cap
		}
		return d
	default: // BackoffExponential
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.base
		b.MaxInterval = p.cap
		b.Multiplier = 2
		b.RandomizationFactor = 0
		return advance(b, attempt)
	}
}

func advance(b *backoff.ExponentialBackOff, attempt int) time.Duration {
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
