// Package botdetect scores requests for automated-client likelihood.
package botdetect

import (
	"context"
	"net/http"
	"strings"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
)

// Classification boundaries on the aggregate score.
const (
	humanBelow = 0.3
	botFrom    = 0.7
)

// rateWindow is the rolling window for the request-rate signal.
const rateWindow = 60 * time.Second

// botPatterns are case-insensitive substrings marking automated clients.
var botPatterns = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "python-urllib", "scrapy", "headless",
	"phantomjs", "selenium", "puppeteer", "playwright", "axios",
	"go-http-client", "java", "okhttp", "apache-httpclient",
}

// browserTokens mark mainstream browsers.
var browserTokens = []string{"mozilla", "chrome", "safari", "firefox", "edge", "opera"}

// expectedHeaders are the headers a real browser virtually always sends.
var expectedHeaders = []string{"accept", "accept-language", "accept-encoding", "user-agent", "referer"}

// UsageCounter provides the rolling request-rate signal. Satisfied by
// storage.UsageStore.
type UsageCounter interface {
	CountRecentUsage(ctx context.Context, keySecret string, since time.Time) (int, error)
}

// Detector computes bot scores from request features and rolling history.
type Detector struct {
	usage UsageCounter
	now   func() time.Time
}

// New returns a Detector backed by the given usage counter.
func New(usage UsageCounter) *Detector {
	return &Detector{usage: usage, now: time.Now}
}

// Assessment is one scoring result.
type Assessment struct {
	Score          float64
	Classification string
}

// Assess scores a request. A failed rate lookup degrades to a zero rate
// signal rather than failing the request.
func (d *Detector) Assess(ctx context.Context, userAgent string, headers http.Header, keySecret string) Assessment {
	ua := scoreUserAgent(userAgent)
	hdr := scoreHeaders(headers)

	var rate float64
	if n, err := d.usage.CountRecentUsage(ctx, keySecret, d.now().Add(-rateWindow)); err == nil {
		rate = scoreRate(n)
	}

	score := clamp01(0.5*ua + 0.3*rate + 0.2*hdr)
	return Assessment{Score: score, Classification: classify(score)}
}

// Decide maps an assessment to the action taken, honoring the service's
// blocking switch and threshold.
func Decide(a Assessment, blockingEnabled bool, threshold float64) string {
	if !blockingEnabled {
		if a.Classification == gateway.TrafficBot {
			return gateway.ActionFlagged
		}
		return gateway.ActionAllowed
	}
	if a.Score >= threshold {
		return gateway.ActionBlocked
	}
	if a.Classification == gateway.TrafficSuspicious {
		return gateway.ActionFlagged
	}
	return gateway.ActionAllowed
}

func scoreUserAgent(ua string) float64 {
	if ua == "" {
		return 0.8
	}
	lower := strings.ToLower(ua)
	for _, p := range botPatterns {
		if strings.Contains(lower, p) {
			return 0.9
		}
	}
	if len(ua) < 20 {
		return 0.7
	}
	for _, tok := range browserTokens {
		if strings.Contains(lower, tok) {
			return 0.1
		}
	}
	return 0.5
}

func scoreRate(n int) float64 {
	switch {
	case n <= 5:
		return 0.0
	case n <= 10:
		return 0.3
	case n <= 20:
		return 0.6
	default:
		return 0.9
	}
}

// scoreHeaders is the fraction of expected browser headers absent, with a
// penalty when the request carries fewer than five headers total.
func scoreHeaders(headers http.Header) float64 {
	var present int
	for _, name := range expectedHeaders {
		if headers.Get(name) != "" {
			present++
		}
	}
	score := 1 - float64(present)/float64(len(expectedHeaders))
	if len(headers) < 5 {
		score += 0.3
	}
	return clamp01(score)
}

func classify(score float64) string {
	switch {
	case score < humanBelow:
		return gateway.TrafficHuman
	case score < botFrom:
		return gateway.TrafficSuspicious
	default:
		return gateway.TrafficBot
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
