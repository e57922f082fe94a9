package sshhoneypot

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers can share one
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	loginAttempts    *prometheus.CounterVec
	sessionsStarted  prometheus.Counter
	sessionsActive   prometheus.Gauge
	commandsCaptured prometheus.Counter
	geoLookups       *prometheus.CounterVec
	liveEvents       *prometheus.CounterVec
	dashboardClients prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_login_attempts_total",
			Help: "Password authentication attempts by result.",
		}, []string{"result"}),
		sessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_sessions_started_total",
			Help: "Sessions that reached a running shell.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "honeypot_sessions_active",
			Help: "Sessions currently connected.",
		}),
		commandsCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_commands_captured_total",
			Help: "Command lines extracted from attacker input.",
		}),
		geoLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_geo_lookups_total",
			Help: "Geolocation resolutions by outcome.",
		}, []string{"outcome"}),
		liveEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_dashboard_events_total",
			Help: "Events pushed to dashboard clients by type.",
		}, []string{"event"}),
		dashboardClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "honeypot_dashboard_clients",
			Help: "Connected dashboard websocket clients.",
		}),
	}
}

func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

func (metrics *Metrics) loginAttempt(success bool) {
	if metrics == nil {
		return
	}
	result := LOGIN_STATUS_FAILED
	if success {
		result = LOGIN_STATUS_SUCCESS
	}
	metrics.loginAttempts.WithLabelValues(result).Inc()
}

func (metrics *Metrics) sessionStarted() {
	if metrics == nil {
		return
	}
	metrics.sessionsStarted.Inc()
	metrics.sessionsActive.Inc()
}

func (metrics *Metrics) sessionEnded() {
	if metrics == nil {
		return
	}
	metrics.sessionsActive.Dec()
}

func (metrics *Metrics) commandCaptured() {
	if metrics == nil {
		return
	}
	metrics.commandsCaptured.Inc()
}

func (metrics *Metrics) geoLookup(outcome string) {
	if metrics == nil {
		return
	}
	metrics.geoLookups.WithLabelValues(outcome).Inc()
}

func (metrics *Metrics) eventBroadcast(event string) {
	if metrics == nil {
		return
	}
	metrics.liveEvents.WithLabelValues(event).Inc()
}

func (metrics *Metrics) clientsChanged(delta float64) {
	if metrics == nil {
		return
	}
	metrics.dashboardClients.Add(delta)
}
