package skein

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	pollInterval time.Duration
	dialTimeout  time.Duration
	tlsConfig    *tls.Config
	fabricProv   string
}

// Option configures a Transport, Sender or Receiver at construction time.
type Option func(*config)

func defaultConfig() config {
	return config{
		pollInterval: 100 * time.Millisecond,
		dialTimeout:  30 * time.Second,
		fabricProv:   "sockets",
	}
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

func (c *config) metricSink() metrics.MetricSink {
	if c.msink == nil {
		return metrics.Default()
	}
	return c.msink
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) Option {
	return func(c *config) {
		c.logHandler = handler
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted by
// this layer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
	}
}

// WithMetricLabels adds static labels to every metric emitted.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) {
		c.metricLabels = labels
	}
}

// WithPollInterval controls the tick at which blocking loops re-check their
// stop flag: the receiver's accept wait and the fabric completion spin.
// Stop latency is bounded by this interval. Defaults to 100ms.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithDialTimeout controls how much time we wait for connection
// establishment and handshake. Defaults to 30s.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
	}
}

// WithTLSConfig overrides the pipe transport's self-provisioned ephemeral
// certificate. QUIC demands TLS; this layer does not, so by default peers
// do not verify each other. Integrators who want mTLS inside the training
// cluster set it here.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) {
		if tlsConf != nil {
			c.tlsConfig = tlsConf.Clone()
		}
	}
}

// WithFabricProvider selects the libfabric provider used by the fabric
// transport ("sockets", "shm", "verbs", ...). Defaults to "sockets".
func WithFabricProvider(prov string) Option {
	return func(c *config) {
		if prov != "" {
			c.fabricProv = prov
		}
	}
}
