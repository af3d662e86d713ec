package frames

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFramesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "framekeeper",
		Name:      "frames_active",
		Help:      "Frames currently in a frame tree.",
	})
	metricFramesAttached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "frames_attached_total",
		Help:      "Frames added to a frame tree.",
	})
	metricFramesDetached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "frames_detached_total",
		Help:      "Frames removed from a frame tree.",
	})
	metricFramesSwapped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "frames_swapped_total",
		Help:      "Frames detached with reason swap or swapped by activation.",
	})
	metricContextsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "framekeeper",
		Name:      "execution_contexts_active",
		Help:      "Live execution contexts bound to a realm.",
	})
	metricBindingCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "binding_calls_total",
		Help:      "Binding calls by outcome.",
	}, []string{"outcome"})
	metricFrameWaitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "frame_wait_timeouts_total",
		Help:      "Events dropped because their frame never attached.",
	})
	metricSwapGraceExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "framekeeper",
		Name:      "swap_grace_expired_total",
		Help:      "Main frames torn down after the swap grace period.",
	})
)
