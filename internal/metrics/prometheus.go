package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	commandsTotal     *prometheus.CounterVec
	authAttemptsTotal *prometheus.CounterVec
	mailboxesListed   *prometheus.CounterVec
	messagesFetched   prometheus.Counter
	messageSizeBytes  prometheus.Histogram
	messagesSentTotal *prometheus.CounterVec
}

// NewPrometheusCollector registers all gateway metrics on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_connections_total",
			Help: "Total number of accepted connections.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailgate_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"protocol"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "result"}),
		mailboxesListed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_mailbox_listings_total",
			Help: "Total number of mailbox listings served.",
		}, []string{"mailbox"}),
		messagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_messages_fetched_total",
			Help: "Total number of full message bodies fetched.",
		}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgate_message_size_bytes",
			Help:    "Size of fetched messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 52428800},
		}),
		messagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_messages_sent_total",
			Help: "Total number of outbound submissions handed to the provider.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.authAttemptsTotal,
		c.mailboxesListed,
		c.messagesFetched,
		c.messageSizeBytes,
		c.messagesSentTotal,
	)
	return c
}

func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	c.authAttemptsTotal.WithLabelValues(protocol, result(success)).Inc()
}

func (c *PrometheusCollector) MailboxListed(mailbox string) {
	c.mailboxesListed.WithLabelValues(mailbox).Inc()
}

func (c *PrometheusCollector) MessageFetched(sizeBytes int) {
	c.messagesFetched.Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageSent(success bool) {
	c.messagesSentTotal.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// NewHTTPServer returns an HTTP server exposing reg on /metrics at addr.
func NewHTTPServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
