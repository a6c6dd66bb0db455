// Package metrics はカメラセッションのPrometheusメトリクスを提供する
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kamera"

var (
	// stateTransitionsTotal は状態遷移の回数
	stateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)

	// deviceOpensTotal はデバイスハンドルを取得した回数
	deviceOpensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_opens_total",
			Help:      "Total number of device handles opened",
		},
	)

	// deviceClosesTotal はデバイスハンドルを解放した回数
	deviceClosesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_closes_total",
			Help:      "Total number of device handles released",
		},
	)

	// deviceHandlesOpen は現在保持しているデバイスハンドル数
	deviceHandlesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_handles_open",
			Help:      "Number of currently held device handles",
		},
	)

	// staleCallbacksTotal は破棄された古いセッションのコールバック数
	staleCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Total number of callbacks discarded for superseded sessions",
		},
		[]string{"callback"},
	)

	// sessionErrorsTotal はセッションエラーの回数
	sessionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of session failures by kind",
		},
		[]string{"kind"},
	)

	// framesTotal はフレームの転送・破棄数
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of frames by outcome",
		},
		[]string{"outcome"}, // forwarded, dropped, spurious
	)

	// sinkDuration はシンク呼び出しにかかった時間
	sinkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_duration_seconds",
			Help:      "Duration of frame sink calls in seconds",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// streamSubscribers は配信中の購読者数
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Number of connected stream subscribers",
		},
	)

	// streamFramesTotal は配信処理したフレーム数
	streamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total number of frames handled by the stream hub by outcome",
		},
		[]string{"outcome"}, // published, encode_error, subscriber_dropped
	)
)

var collectors = []prometheus.Collector{
	stateTransitionsTotal,
	deviceOpensTotal,
	deviceClosesTotal,
	deviceHandlesOpen,
	staleCallbacksTotal,
	sessionErrorsTotal,
	framesTotal,
	sinkDuration,
	streamSubscribers,
	streamFramesTotal,
}

// Register はすべてのメトリクスを登録する。登録済みのものは無視する
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// RecordTransition は状態遷移を記録する
func RecordTransition(from, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordDeviceOpened はデバイスハンドルの取得を記録する
func RecordDeviceOpened() {
	deviceOpensTotal.Inc()
	deviceHandlesOpen.Inc()
}

// RecordDeviceClosed はデバイスハンドルの解放を記録する
func RecordDeviceClosed() {
	deviceClosesTotal.Inc()
	deviceHandlesOpen.Dec()
}

// RecordStaleCallback は破棄した古いコールバックを記録する
func RecordStaleCallback(callback string) {
	staleCallbacksTotal.WithLabelValues(callback).Inc()
}

// RecordSessionError はセッションエラーを記録する
func RecordSessionError(kind string) {
	sessionErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordFrameForwarded はシンクへの転送と所要時間を記録する
func RecordFrameForwarded(seconds float64) {
	framesTotal.WithLabelValues("forwarded").Inc()
	sinkDuration.Observe(seconds)
}

// RecordFramesDropped は上書きで破棄したフレーム数を記録する
func RecordFramesDropped(n int) {
	if n <= 0 {
		return
	}
	framesTotal.WithLabelValues("dropped").Add(float64(n))
}

// RecordSpuriousWake はフレームが取得できなかった通知を記録する
func RecordSpuriousWake() {
	framesTotal.WithLabelValues("spurious").Inc()
}

// SetStreamSubscribers は購読者数を記録する
func SetStreamSubscribers(n int) {
	streamSubscribers.Set(float64(n))
}

// RecordStreamFrame は配信処理の結果を記録する
func RecordStreamFrame(outcome string) {
	streamFramesTotal.WithLabelValues(outcome).Inc()
}
