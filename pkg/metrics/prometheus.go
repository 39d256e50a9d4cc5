package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var reqCnt = &Metric{
	ID:          "reqCnt",
	Name:        "requests_total",
	Description: "HTTP requests partitioned by status, method and route.",
	Type:        "counter_vec",
	Args:        []string{"code", "method", "route"},
}

var reqDur = &Metric{
	ID:          "reqDur",
	Name:        "request_duration_ms",
	Description: "HTTP request latencies in milliseconds.",
	Type:        "histogram_vec",
	Args:        []string{"code", "method", "route"},
}

var resSz = &Metric{
	ID:          "resSz",
	Name:        "response_size_bytes",
	Description: "HTTP response sizes in bytes.",
	Type:        "summary_vec",
	Args:        []string{"code", "method", "route"},
}

const (
	defaultMetricPath = "/metrics"
	// unmatchedRoute labels requests gin could not route, keeping scanners
	// from minting one series per probed path.
	unmatchedRoute = "unmatched"
)

// Prometheus records request metrics for a gin engine and serves /metrics,
// either on the engine itself or on a separate listen address.
type Prometheus struct {
	reqCnt *prometheus.CounterVec
	reqDur *prometheus.HistogramVec
	resSz  *prometheus.SummaryVec

	listenAddress string
	metricsPath   string
	skipPrefixes  []string
	logger        *zap.SugaredLogger
}

type NewPrometheusOptions struct {
	Subsystem   string
	MetricsPath string
	// SkipPrefixes are path prefixes not worth measuring, e.g. probes and docs.
	SkipPrefixes []string
	Logger       *zap.SugaredLogger
}

func NewPrometheus(options NewPrometheusOptions) *Prometheus {
	p := &Prometheus{
		metricsPath:  options.MetricsPath,
		skipPrefixes: options.SkipPrefixes,
		logger:       options.Logger,
	}
	if p.metricsPath == "" {
		p.metricsPath = defaultMetricPath
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	subsystem := options.Subsystem
	if subsystem == "" {
		subsystem = "http"
	}
	p.reqCnt = register(reqCnt, subsystem).(*prometheus.CounterVec)
	p.reqDur = register(reqDur, subsystem).(*prometheus.HistogramVec)
	p.resSz = register(resSz, subsystem).(*prometheus.SummaryVec)
	return p
}

// SetListenAddress exposes metrics on a dedicated address instead of the API engine.
func (p *Prometheus) SetListenAddress(address string) {
	p.listenAddress = address
}

// Use adds the middleware to e and mounts the metrics endpoint.
func (p *Prometheus) Use(e *gin.Engine) {
	e.Use(p.HandlerFunc())
	if p.listenAddress == "" {
		e.GET(p.metricsPath, prometheusHandler())
		return
	}
	r := gin.New()
	r.GET(p.metricsPath, prometheusHandler())
	go func() {
		if err := r.Run(p.listenAddress); err != nil {
			p.logger.Errorw("metrics server stopped", "addr", p.listenAddress, "error", err)
		}
	}()
}

func (p *Prometheus) skip(path string) bool {
	if path == p.metricsPath {
		return true
	}
	for _, prefix := range p.skipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p *Prometheus) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.skip(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		p.reqDur.WithLabelValues(status, method, route).Observe(MillisecondsSince(start))
		p.reqCnt.WithLabelValues(status, method, route).Inc()
		p.resSz.WithLabelValues(status, method, route).Observe(float64(c.Writer.Size()))
	}
}
