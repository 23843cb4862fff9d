// Package metrics exposes Prometheus collectors for error snapshot capture.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Artifact kinds.
const (
	KindScreenshot = "screenshot"
	KindHTML       = "html"
)

// Capture outcomes.
const (
	OutcomeCaptured = "captured"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

var (
	artifactsTotal      *prometheus.CounterVec
	handlerErrorsTotal  *prometheus.CounterVec
	errorGroupsObserved prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errsnap_artifacts_total",
				Help: "Total number of snapshot artifacts attempted, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		handlerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errsnap_handler_errors_total",
				Help: "Total number of crawl handler errors tracked, labeled by site.",
			},
			[]string{"site"},
		)

		errorGroupsObserved = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "errsnap_error_groups_total",
				Help: "Total number of distinct error groups observed.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveArtifact counts one artifact attempt.
func ObserveArtifact(kind, outcome string) {
	Init()
	artifactsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveHandlerError counts one tracked handler error for the site of rawURL.
func ObserveHandlerError(rawURL string) {
	Init()
	handlerErrorsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveErrorGroup counts a newly seen error group.
func ObserveErrorGroup() {
	Init()
	errorGroupsObserved.Inc()
}
