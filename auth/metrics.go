package auth

import "github.com/prometheus/client_golang/prometheus"

// brokerMetrics are always live; they are exported only when a Registerer is
// supplied with WithRegisterer.
type brokerMetrics struct {
	initiated prometheus.Counter
	confirmed *prometheus.CounterVec
	swept     prometheus.Counter
	pending   prometheus.GaugeFunc
}

func newBrokerMetrics(store *PendingStore) *brokerMetrics {
	return &brokerMetrics{
		initiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "login_initiated_total",
			Help: "Login attempts started.",
		}),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "login_confirm_total",
			Help: "Login confirmations by result.",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "login_swept_total",
			Help: "Abandoned login attempts removed by the sweeper.",
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "login_pending_contexts",
			Help: "Login attempts initiated but not yet confirmed or swept.",
		}, func() float64 { return float64(store.Len()) }),
	}
}

// register exports m on reg. The pending gauge reads one broker's store, so a
// registry serves at most one broker; a second registration fails and leaves
// reg as it was.
func (m *brokerMetrics) register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{m.initiated, m.confirmed, m.swept, m.pending}
	for i, c := range collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range collectors[:i] {
				reg.Unregister(done)
			}
			return err
		}
	}
	return nil
}
