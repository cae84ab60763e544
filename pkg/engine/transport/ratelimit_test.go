package transport

import (
	"net/http"
	"testing"
)

func TestParseRateLimitHeadersSinglePrimaryWindow(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "100")
	h.Set("x-ratelimit-remaining-requests", "25")

	snap, ok := ParseRateLimitHeaders(h)
	if !ok {
		t.Fatalf("expected snapshot parsed")
	}
	if snap.HasSecondary {
		t.Fatalf("expected no secondary window")
	}
	if snap.PrimaryUsedPercent != 75 {
		t.Fatalf("expected 75%% used, got %v", snap.PrimaryUsedPercent)
	}
}

func TestParseRateLimitHeadersNoneRecognized(t *testing.T) {
	h := http.Header{}
	h.Set("content-type", "application/json")
	_, ok := ParseRateLimitHeaders(h)
	if ok {
		t.Fatalf("expected no snapshot for headers with no rate-limit info")
	}
}

func TestFormatRateLimitSnapshotOmitsAbsentSecondary(t *testing.T) {
	s := RateLimitSnapshot{PrimaryUsedPercent: 50, PrimaryWindowMinutes: 1}
	out := FormatRateLimitSnapshot(s)
	if out != "50% of 1m window used" {
		t.Fatalf("unexpected format: %q", out)
	}
}

func TestFormatRateLimitSnapshotIncludesSecondary(t *testing.T) {
	s := RateLimitSnapshot{
		PrimaryUsedPercent: 50, PrimaryWindowMinutes: 1,
		SecondaryUsedPercent: 10, SecondaryWindowMinutes: 60, HasSecondary: true,
	}
	out := FormatRateLimitSnapshot(s)
	if out != "50% of 1m window used; 10% of 60m window used" {
		t.Fatalf("unexpected format: %q", out)
	}
}
