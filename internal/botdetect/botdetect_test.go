package botdetect

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
)

type stubCounter struct {
	n   int
	err error
}

func (s stubCounter) CountRecentUsage(context.Context, string, time.Time) (int, error) {
	return s.n, s.err
}

func browserHeaders(ua string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html")
	h.Set("Accept-Language", "en-US")
	h.Set("Accept-Encoding", "gzip")
	h.Set("User-Agent", ua)
	h.Set("Referer", "https://example.com/")
	return h
}

func TestScoreUserAgent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ua   string
		want float64
	}{
		{"missing", "", 0.8},
		{"python-requests", "python-requests/2.28.0", 0.9},
		{"curl", "curl/8.0.1", 0.9},
		{"headless chrome", "Mozilla/5.0 HeadlessChrome/119.0", 0.9},
		{"short unknown", "MyClient/1.0", 0.7},
		{"full browser", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/119.0", 0.1},
		{"long unknown", "SomeCompanyInternalGatewayAgent/4.2 (build 9981)", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := scoreUserAgent(tt.ua); got != tt.want {
				t.Errorf("scoreUserAgent(%q) = %v, want %v", tt.ua, got, tt.want)
			}
		})
	}
}

func TestScoreRate(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		n    int
		want float64
	}{
		{0, 0.0}, {5, 0.0}, {6, 0.3}, {10, 0.3}, {11, 0.6}, {20, 0.6}, {21, 0.9}, {500, 0.9},
	} {
		if got := scoreRate(tt.n); got != tt.want {
			t.Errorf("scoreRate(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestScoreHeaders(t *testing.T) {
	t.Parallel()
	full := browserHeaders("Mozilla/5.0")
	if got := scoreHeaders(full); got != 0 {
		t.Errorf("full browser headers score = %v, want 0", got)
	}

	bare := http.Header{}
	bare.Set("User-Agent", "python-requests/2.28.0")
	// 4 of 5 expected absent (0.8) plus sparse-header penalty, clamped.
	if got := scoreHeaders(bare); got != 1.0 {
		t.Errorf("bare headers score = %v, want 1.0", got)
	}
}

func TestAssessPythonRequests(t *testing.T) {
	t.Parallel()
	d := New(stubCounter{n: 0})
	h := http.Header{}
	h.Set("User-Agent", "python-requests/2.28.0")

	a := d.Assess(context.Background(), "python-requests/2.28.0", h, "sk")
	if math.Abs(a.Score-0.65) > 1e-9 {
		t.Errorf("score = %v, want 0.65", a.Score)
	}
	if a.Classification != gateway.TrafficSuspicious {
		t.Errorf("classification = %q, want suspicious", a.Classification)
	}
	// Below the default blocking threshold, so blocking on still admits it.
	if got := Decide(a, true, gateway.DefaultBotThreshold); got != gateway.ActionFlagged {
		t.Errorf("action = %q, want flagged", got)
	}
}

func TestAssessBrowser(t *testing.T) {
	t.Parallel()
	d := New(stubCounter{n: 2})
	ua := "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/119.0"

	a := d.Assess(context.Background(), ua, browserHeaders(ua), "sk")
	if a.Classification != gateway.TrafficHuman {
		t.Errorf("classification = %q (score %v), want human", a.Classification, a.Score)
	}
	if got := Decide(a, true, gateway.DefaultBotThreshold); got != gateway.ActionAllowed {
		t.Errorf("action = %q, want allowed", got)
	}
}

func TestAssessHighRateBot(t *testing.T) {
	t.Parallel()
	d := New(stubCounter{n: 100})
	h := http.Header{}

	a := d.Assess(context.Background(), "curl/8.0.1", h, "sk")
	// 0.5*0.9 + 0.3*0.9 + 0.2*1.0 = 0.92
	if math.Abs(a.Score-0.92) > 1e-9 {
		t.Errorf("score = %v, want 0.92", a.Score)
	}
	if a.Classification != gateway.TrafficBot {
		t.Errorf("classification = %q, want bot", a.Classification)
	}
	if got := Decide(a, true, gateway.DefaultBotThreshold); got != gateway.ActionBlocked {
		t.Errorf("action = %q, want blocked", got)
	}
}

func TestAssessRateLookupFailureDegrades(t *testing.T) {
	t.Parallel()
	d := New(stubCounter{err: errors.New("db closed")})
	h := http.Header{}
	h.Set("User-Agent", "curl/8.0.1")

	a := d.Assess(context.Background(), "curl/8.0.1", h, "sk")
	// Rate signal drops out: 0.5*0.9 + 0.2*1.0 = 0.65.
	if math.Abs(a.Score-0.65) > 1e-9 {
		t.Errorf("score = %v, want 0.65", a.Score)
	}
}

func TestDecideBlockingDisabled(t *testing.T) {
	t.Parallel()
	bot := Assessment{Score: 0.95, Classification: gateway.TrafficBot}
	if got := Decide(bot, false, gateway.DefaultBotThreshold); got != gateway.ActionFlagged {
		t.Errorf("bot with blocking off = %q, want flagged", got)
	}
	human := Assessment{Score: 0.1, Classification: gateway.TrafficHuman}
	if got := Decide(human, false, gateway.DefaultBotThreshold); got != gateway.ActionAllowed {
		t.Errorf("human with blocking off = %q, want allowed", got)
	}
	sus := Assessment{Score: 0.5, Classification: gateway.TrafficSuspicious}
	if got := Decide(sus, false, gateway.DefaultBotThreshold); got != gateway.ActionAllowed {
		t.Errorf("suspicious with blocking off = %q, want allowed", got)
	}
}

func TestDecideCustomThreshold(t *testing.T) {
	t.Parallel()
	sus := Assessment{Score: 0.65, Classification: gateway.TrafficSuspicious}
	if got := Decide(sus, true, 0.6); got != gateway.ActionBlocked {
		t.Errorf("score 0.65 with threshold 0.6 = %q, want blocked", got)
	}
}
