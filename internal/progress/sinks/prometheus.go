package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// PrometheusSink exports crawl lifecycle metrics. It owns its collectors and
// registers them on the registry given to NewPrometheusSink.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	relevance     prometheus.Histogram
	branchStops   prometheus.Counter

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_crawls_started_total",
			Help: "Total crawls that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_crawls_completed_total",
			Help: "Total crawls completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_crawls_running",
			Help: "Current number of running crawls.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		relevance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_page_relevance",
			Help:    "Measured relevance of fetched pages.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		branchStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_branch_stops_total",
			Help: "Hosts whose relevance trend stopped link expansion.",
		}),
		tracker: newCrawlTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.relevance,
		s.branchStops,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlError:
			s.handleCrawlEvent(evt)
		case progress.StageFetchDone:
			s.handleFetchEvent(evt)
		case progress.StageBranchStop:
			s.branchStops.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.CrawlID) {
			s.crawlsRunning.Inc()
		}
		return
	case progress.StageCrawlDone:
		s.crawlsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageCrawlError:
		s.crawlsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.CrawlID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
	if evt.StatusClass == progress.Status2xx {
		s.relevance.Observe(evt.Relevance)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[string]struct{})}
}

func (t *crawlTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *crawlTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
