package raster

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type config struct {
	logger            *slog.Logger
	metrics           *Metrics
	infoCacheSize     int64
	infoItemsToPrune  uint32
	infoCacheDuration time.Duration
}

func newConfig(opts []Option) config {
	c := config{
		logger:            slog.New(slog.DiscardHandler),
		infoCacheSize:     1024,
		infoItemsToPrune:  100,
		infoCacheDuration: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Option configures a TiledReader or a TileCursor.
type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithInfoCache sizes the reader's dataset description cache. A zero
// duration disables caching.
func WithInfoCache(maxSize int64, itemsToPrune uint32, ttl time.Duration) Option {
	return func(c *config) {
		c.infoCacheSize = maxSize
		c.infoItemsToPrune = itemsToPrune
		c.infoCacheDuration = ttl
	}
}

// Metrics are the pipeline's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	TilesFetched  *prometheus.CounterVec
	SideFetches   prometheus.Counter
	SessionsOpen  prometheus.Gauge
	FetchFailures prometheus.Counter
	ReadDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TilesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tiledraster_tiles_fetched_total",
			Help: "Band tiles decoded from the raster store.",
		}, []string{"kind"}),
		SideFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "tiledraster_side_fetches_total",
			Help: "Single tile queries issued for non-sequential access.",
		}),
		SessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "tiledraster_sessions_open",
			Help: "Raster store sessions currently held by cursors.",
		}),
		FetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tiledraster_fetch_failures_total",
			Help: "Cursors disposed because of a fetch failure.",
		}),
		ReadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tiledraster_read_duration_seconds",
			Help:    "Time spent assembling a tile rectangle.",
			Buckets: []float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9},
		}),
	}
}

func (m *Metrics) tileFetched(kind string, n int) {
	if m == nil {
		return
	}
	m.TilesFetched.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) sideFetch() {
	if m == nil {
		return
	}
	m.SideFetches.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}

func (m *Metrics) fetchFailed() {
	if m == nil {
		return
	}
	m.FetchFailures.Inc()
}

func (m *Metrics) observeRead(d time.Duration) {
	if m == nil {
		return
	}
	m.ReadDuration.Observe(d.Seconds())
}
