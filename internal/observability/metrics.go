package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage labels used across metrics and logs
const (
	StageToken    = "token"
	StageUpload   = "upload"
	StageStart    = "start"
	StagePoll     = "poll"
	StageDownload = "download"
)

var (
	// Remote call metrics
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salute_stt_stage_requests_total",
		Help: "Total number of remote calls per recognition stage",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salute_stt_stage_latency_seconds",
		Help:    "Remote call latency per recognition stage in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	// Token metrics
	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salute_stt_token_refreshes_total",
		Help: "Total number of bearer token exchanges",
	}, []string{"status"})

	// Polling metrics
	pollQueries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salute_stt_poll_queries",
		Help:    "Number of status queries issued per recognition job",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100, 300},
	})

	// Transcription metrics
	transcriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salute_stt_transcriptions_total",
		Help: "Total number of speech-to-text operations",
	}, []string{"status"})

	transcriptionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "salute_stt_transcription_duration_seconds",
		Help:    "End-to-end speech-to-text duration in seconds",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioBytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "salute_stt_audio_bytes_uploaded_total",
		Help: "Total audio bytes uploaded for recognition",
	})
)

// RecordStageCall records one remote call of a stage
func RecordStageCall(stage string, latency time.Duration, err error) {
	stageLatency.WithLabelValues(stage).Observe(latency.Seconds())
	stageRequests.WithLabelValues(stage, statusLabel(err == nil)).Inc()
}

// RecordTokenRefresh records a token exchange attempt
func RecordTokenRefresh(success bool) {
	tokenRefreshes.WithLabelValues(statusLabel(success)).Inc()
}

// RecordAudioBytes records uploaded audio bytes
func RecordAudioBytes(bytes int64) {
	if bytes > 0 {
		audioBytesUploaded.Add(float64(bytes))
	}
}

// TranscriptionMetrics tracks metrics for a single speech-to-text operation
type TranscriptionMetrics struct {
	sessionID string
	startTime time.Time
	queries   int
	mu        sync.Mutex
}

// NewTranscriptionMetrics creates a new metrics tracker for one operation
func NewTranscriptionMetrics(sessionID string) *TranscriptionMetrics {
	return &TranscriptionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordPollQuery counts one status query
func (m *TranscriptionMetrics) RecordPollQuery() {
	m.mu.Lock()
	m.queries++
	m.mu.Unlock()
}

// PollQueries returns the number of status queries recorded so far
func (m *TranscriptionMetrics) PollQueries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// RecordEnd records the end of the operation
func (m *TranscriptionMetrics) RecordEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transcriptionDuration.Observe(time.Since(m.startTime).Seconds())
	if m.queries > 0 {
		pollQueries.Observe(float64(m.queries))
	}
	transcriptions.WithLabelValues(statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
