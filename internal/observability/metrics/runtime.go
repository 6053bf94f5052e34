package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_slots",
		Help:      "Number of live task execution contexts.",
	})
	poolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_exhausted_total",
		Help:      "Acquire calls rejected because the pool was full.",
	})
	poolReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_released_total",
		Help:      "Execution contexts released, by reason.",
	}, []string{"reason"})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Number of open persistent connections.",
	})
	wsBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_broadcasts_total",
		Help:      "Envelopes fanned out to persistent connections.",
	})
	wsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_closed_total",
		Help:      "Persistent connections closed, by reason.",
	}, []string{"reason"})
)

// PoolRecorder feeds execution pool events into the registry.
type PoolRecorder struct{}

// Pool returns the recorder used by the execution pool.
func Pool() PoolRecorder { return PoolRecorder{} }

func (PoolRecorder) SetPoolSize(size int)          { poolSize.Set(float64(size)) }
func (PoolRecorder) IncPoolExhausted()             { poolExhausted.Inc() }
func (PoolRecorder) IncPoolReleased(reason string) { poolReleased.WithLabelValues(reason).Inc() }

// HubRecorder feeds connection manager events into the registry.
type HubRecorder struct{}

// Hub returns the recorder used by the connection manager.
func Hub() HubRecorder { return HubRecorder{} }

func (HubRecorder) SetConnections(n int)    { wsConnections.Set(float64(n)) }
func (HubRecorder) IncBroadcast()           { wsBroadcasts.Inc() }
func (HubRecorder) IncClosed(reason string) { wsClosed.WithLabelValues(reason).Inc() }
