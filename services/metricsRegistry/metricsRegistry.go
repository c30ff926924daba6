package metricsregistry

import (
	"net/http"
	"time"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	handler         http.Handler
	instanceId      string
	messages        *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	sessions        *prometheus.GaugeVec
	subscriptions   *prometheus.GaugeVec
	deliveryHist    *prometheus.HistogramVec
	integrationHist *prometheus.HistogramVec
	wsConnGuage     *prometheus.GaugeVec
}

func New(instanceId string) services.MetricsRegistry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	messages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ims_messages_total",
			Help: "Inbound messages handled by the event processor, per message type",
		},
		[]string{"instance_id", "message_type"},
	)
	registry.MustRegister(messages)

	decodeErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ims_decode_errors_total",
			Help: "Inbound frames rejected by the wire codec",
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(decodeErrors)

	dropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ims_dropped_messages_total",
			Help: "Outbound messages dropped, per reason",
		},
		[]string{"instance_id", "reason"},
	)
	registry.MustRegister(dropped)

	sessions := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ims_sessions_current",
			Help: "Number of active client sessions",
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(sessions)

	subscriptions := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ims_subscriptions_current",
			Help: "Number of pending or active subscriptions",
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(subscriptions)

	deliveryHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ims_bar_delivery_latency_ms",
			Help: "Delay between bar time and fan-out in milli seconds",
			Buckets: []float64{
				1, 2, 5, 10, 20, 30, 40, 50, 100,
				200, 300, 500, 800, 1000, 2000, 5000, 10000,
			},
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(deliveryHist)

	integrationHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ims_integration_call_ms",
			Help:    "Duration of integration control calls in milli seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"instance_id", "op"},
	)
	registry.MustRegister(integrationHist)

	wsConnGuage := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_current",
			Help: "Number of currently active WebSocket connections",
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(wsConnGuage)

	return &metricsRegistry{
		instanceId:      instanceId,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		messages:        messages,
		decodeErrors:    decodeErrors,
		dropped:         dropped,
		sessions:        sessions,
		subscriptions:   subscriptions,
		deliveryHist:    deliveryHist,
		integrationHist: integrationHist,
		wsConnGuage:     wsConnGuage,
	}
}

func (mr *metricsRegistry) GetHandler() http.Handler {
	return mr.handler
}

func (mr *metricsRegistry) IncMessageCount(msgType ds.MessageType) {
	mr.messages.WithLabelValues(mr.instanceId, msgType.String()).Inc()
}

func (mr *metricsRegistry) IncDecodeErrorCount() {
	mr.decodeErrors.WithLabelValues(mr.instanceId).Inc()
}

func (mr *metricsRegistry) IncDroppedCount(reason string) {
	mr.dropped.WithLabelValues(mr.instanceId, reason).Inc()
}

func (mr *metricsRegistry) SetSessionCount(n int) {
	mr.sessions.WithLabelValues(mr.instanceId).Set(float64(n))
}

func (mr *metricsRegistry) SetSubscriptionCount(n int) {
	mr.subscriptions.WithLabelValues(mr.instanceId).Set(float64(n))
}

func (mr *metricsRegistry) ObserveDeliveryLatency(barTime time.Time) {
	if barTime.IsZero() {
		return
	}
	mr.deliveryHist.WithLabelValues(mr.instanceId).Observe(float64(time.Since(barTime).Milliseconds()))
}

func (mr *metricsRegistry) ObserveIntegrationCall(op string, started time.Time) {
	mr.integrationHist.WithLabelValues(mr.instanceId, op).Observe(float64(time.Since(started).Milliseconds()))
}

func (mr *metricsRegistry) IncWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Inc()
}

func (mr *metricsRegistry) DecWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Dec()
}
