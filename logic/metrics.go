package logic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"warbler/shared"
)

type IMetrics interface {
	StartApubRequestIn(label string) IRequestObserver
	StartApubRequestOut(label string) IRequestObserver
	ServiceStarted()
	ActivityDispatched(activityType string, applied bool)
	MessageDropped(reason string)
	RemoteFetch(outcome string)
	DeliverySent()
	DeliveryFailed()
	InboundQueueLength(length int)
}

type IRequestObserver interface {
	Finish()
}

type metrics struct {
	cfg                  *shared.Config
	apubRequestsIn       *prometheus.HistogramVec
	apubRequestsOut      *prometheus.HistogramVec
	serviceStarted       prometheus.Counter
	activitiesDispatched *prometheus.CounterVec
	messagesDropped      *prometheus.CounterVec
	remoteFetches        *prometheus.CounterVec
	deliveriesSent       prometheus.Counter
	deliveriesFailed     prometheus.Counter
	inboundQueueLength   prometheus.Gauge
}

func NewMetrics(cfg *shared.Config) IMetrics {

	res := metrics{}
	res.cfg = cfg

	res.apubRequestsIn = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_in_duration",
		Help: "Duration in seconds of ActivityPub requests served.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsIn)

	res.apubRequestsOut = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "apub_requests_out_duration",
		Help: "Duration in seconds of ActivityPub requests made.",
	}, []string{"label"})
	prometheus.Register(res.apubRequestsOut)

	res.serviceStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "service_started",
		Help: "Service has started up",
	})
	prometheus.Register(res.serviceStarted)

	res.activitiesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activities_dispatched",
		Help: "Inbound activities dispatched, by type and outcome",
	}, []string{"type", "outcome"})
	prometheus.Register(res.activitiesDispatched)

	res.messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_dropped",
		Help: "Inbound messages dropped before dispatch, by reason",
	}, []string{"reason"})
	prometheus.Register(res.messagesDropped)

	res.remoteFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_fetches",
		Help: "Remote object fetches performed, by outcome",
	}, []string{"outcome"})
	prometheus.Register(res.remoteFetches)

	res.deliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_sent",
		Help: "Outbound activity deliveries sent",
	})
	prometheus.Register(res.deliveriesSent)

	res.deliveriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deliveries_failed",
		Help: "Outbound activity deliveries failed",
	})
	prometheus.Register(res.deliveriesFailed)

	res.inboundQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inbound_queue_length",
		Help: "Messages waiting in the inbound pipeline",
	})
	prometheus.Register(res.inboundQueueLength)

	return &res
}

type requestObserver struct {
	label string
	start time.Time
	hgvec *prometheus.HistogramVec
}

func (ro *requestObserver) Finish() {
	now := time.Now()
	elapsed := float64(now.UnixMilli()-ro.start.UnixMilli()) / 1000.0
	ro.hgvec.WithLabelValues(ro.label).Observe(elapsed)
}

func (m *metrics) StartApubRequestIn(label string) IRequestObserver {
	return &requestObserver{label: label, start: time.Now(), hgvec: m.apubRequestsIn}
}

func (m *metrics) StartApubRequestOut(label string) IRequestObserver {
	return &requestObserver{label: label, start: time.Now(), hgvec: m.apubRequestsOut}
}

func (m *metrics) ServiceStarted() {
	m.serviceStarted.Inc()
}

func (m *metrics) ActivityDispatched(activityType string, applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "discarded"
	}
	m.activitiesDispatched.WithLabelValues(activityType, outcome).Inc()
}

func (m *metrics) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *metrics) RemoteFetch(outcome string) {
	m.remoteFetches.WithLabelValues(outcome).Inc()
}

func (m *metrics) DeliverySent() {
	m.deliveriesSent.Inc()
}

func (m *metrics) DeliveryFailed() {
	m.deliveriesFailed.Inc()
}

func (m *metrics) InboundQueueLength(length int) {
	m.inboundQueueLength.Set(float64(length))
}
