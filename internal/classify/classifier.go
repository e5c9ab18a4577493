package classify

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"server/internal/providers"
)

// Category is the closed failure taxonomy every vendor error maps into.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryRateLimit  Category = "rate_limit"
	CategorySafety     Category = "safety"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryService    Category = "service"
	CategoryInternal   Category = "internal"
)

// Classified is the verdict on a raw failure. UserMessage is safe to
// persist and show to clients; the raw error is only ever logged.
type Classified struct {
	Category       Category
	Code           string
	UserMessage    string
	Retryable      bool
	SuggestedDelay time.Duration
}

// UserCaused reports whether the failure stems from the user's own
// input, in which case credits are not refunded.
func (c Classified) UserCaused() bool {
	return c.Category == CategorySafety || c.Category == CategoryValidation
}

// rule matches one vendor+condition combination. Rules are evaluated in
// order; the most specific combinations come first and the final rule
// is a catch-all.
type rule struct {
	vendor  string
	matches func(msg string, ve *providers.VendorError) bool
	verdict Classified
}

// Classifier maps arbitrary failures into the taxonomy.
type Classifier struct {
	rules []rule
}

const (
	networkDelay   = 3 * time.Second
	serviceDelay   = 5 * time.Second
	rateLimitDelay = 15 * time.Second
)

// New builds the default rule set.
func New() *Classifier {
	return &Classifier{rules: []rule{
		// Vendor-specific conditions win over generic fallbacks.
		{
			vendor:  "tripo",
			matches: func(_ string, ve *providers.VendorError) bool { return ve.Code == "content_policy_violation" },
			verdict: Classified{Category: CategorySafety, Code: "content_blocked", UserMessage: "The photo was rejected by the provider's content policy. Please use a different photo."},
		},
		{
			vendor:  "meshy",
			matches: func(msg string, _ *providers.VendorError) bool { return strings.Contains(msg, "no object detected") },
			verdict: Classified{Category: CategoryValidation, Code: "no_object", UserMessage: "No printable object was detected in the photo. Try a photo with a single clear subject."},
		},
		{
			matches: func(_ string, ve *providers.VendorError) bool { return ve.StatusCode == 429 },
			verdict: Classified{Category: CategoryRateLimit, Code: "rate_limited", UserMessage: "The generation service is busy. We will retry shortly.", Retryable: true, SuggestedDelay: rateLimitDelay},
		},
		{
			matches: func(msg string, _ *providers.VendorError) bool {
				return containsAny(msg, "safety", "content policy", "nsfw", "moderation", "banned")
			},
			verdict: Classified{Category: CategorySafety, Code: "content_blocked", UserMessage: "The photo was rejected by the provider's content policy. Please use a different photo."},
		},
		{
			matches: func(msg string, ve *providers.VendorError) bool {
				if ve.StatusCode == 400 || ve.StatusCode == 413 || ve.StatusCode == 422 {
					return true
				}
				return containsAny(msg, "invalid input", "invalid image", "unsupported format", "image url is required", "too large")
			},
			verdict: Classified{Category: CategoryValidation, Code: "invalid_input", UserMessage: "The uploaded photo could not be processed. Please check the format and size."},
		},
		{
			matches: func(msg string, ve *providers.VendorError) bool {
				if ve.StatusCode == 402 {
					return true
				}
				return containsAny(msg, "quota", "insufficient credit", "out of credit", "balance")
			},
			verdict: Classified{Category: CategoryResource, Code: "provider_quota", UserMessage: "The generation service is temporarily unavailable. Please try again later."},
		},
		{
			matches: func(_ string, ve *providers.VendorError) bool { return ve.StatusCode >= 500 },
			verdict: Classified{Category: CategoryService, Code: "provider_error", UserMessage: "The generation service reported an internal error. We will retry shortly.", Retryable: true, SuggestedDelay: serviceDelay},
		},
		{
			matches: func(msg string, _ *providers.VendorError) bool {
				return containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "unexpected eof", "broken pipe")
			},
			verdict: Classified{Category: CategoryNetwork, Code: "network_error", UserMessage: "We could not reach the generation service. We will retry shortly.", Retryable: true, SuggestedDelay: networkDelay},
		},
		{
			matches: func(msg string, _ *providers.VendorError) bool {
				return containsAny(msg, "service unavailable", "internal error", "internalerror", "server unavailable")
			},
			verdict: Classified{Category: CategoryService, Code: "provider_error", UserMessage: "The generation service reported an internal error. We will retry shortly.", Retryable: true, SuggestedDelay: serviceDelay},
		},
	}}
}

// Classify maps a raw failure into the taxonomy. It never returns a
// zero verdict: unmatched errors fall through to internal/retryable.
func (c *Classifier) Classify(rawErr error) Classified {
	if rawErr == nil {
		return Classified{Category: CategoryInternal, Code: "unknown", UserMessage: "Something went wrong. Please try again.", Retryable: true, SuggestedDelay: serviceDelay}
	}

	// Transport-level timeouts and cancellations are network failures
	// regardless of vendor.
	var netErr net.Error
	if errors.Is(rawErr, context.DeadlineExceeded) || (errors.As(rawErr, &netErr) && netErr.Timeout()) {
		return Classified{Category: CategoryNetwork, Code: "timeout", UserMessage: "We could not reach the generation service. We will retry shortly.", Retryable: true, SuggestedDelay: networkDelay}
	}

	msg := strings.ToLower(rawErr.Error())
	ve := &providers.VendorError{}
	if !errors.As(rawErr, &ve) {
		ve = &providers.VendorError{}
	}

	for _, r := range c.rules {
		if r.vendor != "" && r.vendor != ve.Vendor {
			continue
		}
		if r.matches(msg, ve) {
			verdict := r.verdict
			if verdict.Code == "" {
				verdict.Code = ve.Code
			}
			return verdict
		}
	}

	// Catch-all: assume a transient internal fault rather than
	// punishing the user for something unclassified.
	return Classified{
		Category:       CategoryInternal,
		Code:           "unclassified",
		UserMessage:    "Something went wrong while generating. We will retry shortly.",
		Retryable:      true,
		SuggestedDelay: serviceDelay,
	}
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
