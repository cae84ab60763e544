package transport

import (
	"fmt"
	"net/http"
	"strconv"
)

// RateLimitSnapshot mirrors a provider's usage-window headers: how
// much of the primary (short) and secondary (long) rate-limit window
// has been consumed. Not every provider exposes a secondary window.
type RateLimitSnapshot struct {
	PrimaryUsedPercent     float64
	PrimaryWindowMinutes   int
	SecondaryUsedPercent   float64
	SecondaryWindowMinutes int
	HasSecondary           bool
}

// headerPair names the (limit, remaining) header pair for one usage
// window, plus the window's length in minutes when the provider
// encodes it as a fixed constant rather than a header (OpenAI and
// Anthropic both use rolling windows they don't report exactly, so
// these are nominal values used only for display).
type headerPair struct {
	limitHeader     string
	remainingHeader string
	windowMinutes   int
}

// candidateHeaders lists, in priority order, the header pairs this
// parser recognizes across providers. The first pair present in the
// response becomes the primary window; a second distinct pair (if
// present) becomes the secondary window.
var candidateHeaders = []headerPair{
	{"x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", 1},
	{"x-ratelimit-limit-tokens", "x-ratelimit-remaining-tokens", 1},
	{"anthropic-ratelimit-requests-limit", "anthropic-ratelimit-requests-remaining", 60},
	{"anthropic-ratelimit-tokens-limit", "anthropic-ratelimit-tokens-remaining", 60},
}

// ParseRateLimitHeaders extracts a usage snapshot from an HTTP
// response's headers. ok is false if no recognized rate-limit headers
// were present at all (e.g. a mock or local provider).
func ParseRateLimitHeaders(h http.Header) (RateLimitSnapshot, bool) {
	var snap RateLimitSnapshot
	var found []struct {
		usedPercent float64
		window      int
	}

	for _, pair := range candidateHeaders {
		limitStr := h.Get(pair.limitHeader)
		remainingStr := h.Get(pair.remainingHeader)
		if limitStr == "" || remainingStr == "" {
			continue
		}
		limit, err1 := strconv.ParseFloat(limitStr, 64)
		remaining, err2 := strconv.ParseFloat(remainingStr, 64)
		if err1 != nil || err2 != nil || limit <= 0 {
			continue
		}
		usedPercent := (limit - remaining) / limit * 100
		if usedPercent < 0 {
			usedPercent = 0
		}
		found = append(found, struct {
			usedPercent float64
			window      int
		}{usedPercent, pair.windowMinutes})
	}

	if len(found) == 0 {
		return snap, false
	}

	snap.PrimaryUsedPercent = found[0].usedPercent
	snap.PrimaryWindowMinutes = found[0].window
	if len(found) > 1 {
		snap.SecondaryUsedPercent = found[1].usedPercent
		snap.SecondaryWindowMinutes = found[1].window
		snap.HasSecondary = true
	}
	return snap, true
}

// FormatRateLimitSnapshot renders a snapshot the way a terminal status
// line would: compact, one window per segment, omitting the secondary
// window when the provider didn't report one.
func FormatRateLimitSnapshot(s RateLimitSnapshot) string {
	primary := fmt.Sprintf("%.0f%% of %dm window used", s.PrimaryUsedPercent, s.PrimaryWindowMinutes)
	if !s.HasSecondary {
		return primary
	}
	return fmt.Sprintf("%s; %.0f%% of %dm window used", primary, s.SecondaryUsedPercent, s.SecondaryWindowMinutes)
}
