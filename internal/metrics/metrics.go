package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_prompt_tokens_total",
		Help: "The total number of prompt positions prefilled",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forward_duration_seconds",
		Help:    "Duration of one forward batch",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"phase"})

	TokensPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inference_tokens_per_second",
		Help: "Decode throughput of the most recent generation",
	})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "generations_total",
		Help: "Completed generations by stop reason",
	}, []string{"reason"})

	KVCachePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_positions_used",
		Help: "Positions filled in the most recently used KV cache",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total KV cache capacity in bytes",
	})

	ContextExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_exhausted_total",
		Help: "Generations stopped because the context window filled up",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_length",
		Help:    "Number of ids produced per encode call",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	})

	TokenizerEncodeTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_seconds",
		Help:    "Time spent per encode call",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	TokenizerEncodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenizer_encode_errors_total",
		Help: "Encode calls that hit a symbol missing from the vocabulary",
	})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_temperature",
		Help:    "Temperature of constructed samplers",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 1.0, 1.5, 2.0},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampling_top_p",
		Help:    "Top-p threshold of constructed samplers",
		Buckets: []float64{0.1, 0.5, 0.8, 0.9, 0.95, 0.99, 1.0},
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "model_load_duration_seconds",
		Help:    "Time to map and validate a model file",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	TensorsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tensors_loaded_total",
		Help: "Weight tensors bound by quantization kind",
	}, []string{"kind"})

	HeaderCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gguf_header_cache_hits_total",
		Help: "Parsed header lookups served from the cache",
	})

	HeaderCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gguf_header_cache_misses_total",
		Help: "Parsed header lookups that had to parse the file",
	})
)

// RecordForward records one forward batch. Prefill batches count their
// positions as prompt tokens.
func RecordForward(prefill bool, positions int, d time.Duration) {
	phase := "decode"
	if prefill {
		phase = "prefill"
		PromptTokensTotal.Add(float64(positions))
	}
	ForwardDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordGeneration records a finished generation.
func RecordGeneration(tokens int, d time.Duration, reason string) {
	InferenceTokensTotal.Add(float64(tokens))
	GenerationsTotal.WithLabelValues(reason).Inc()
	if d > 0 {
		TokensPerSecond.Set(float64(tokens) / d.Seconds())
	}
}

func RecordKVCache(positions int, capacityBytes int64) {
	KVCachePositions.Set(float64(positions))
	KVCacheCapacityBytes.Set(float64(capacityBytes))
}

func RecordContextExhausted() {
	ContextExhaustedTotal.Inc()
}

func RecordEncode(ids int, d time.Duration, err error) {
	if err != nil {
		TokenizerEncodeErrors.Inc()
		return
	}
	TokenizerEncodeLength.Observe(float64(ids))
	TokenizerEncodeTime.Observe(d.Seconds())
}

func RecordSampler(temperature, topP float64) {
	SamplingTemperature.Observe(temperature)
	SamplingTopP.Observe(topP)
}

func RecordModelLoad(d time.Duration) {
	ModelLoadDuration.Observe(d.Seconds())
}

func RecordTensorLoaded(kind string) {
	TensorsLoaded.WithLabelValues(kind).Inc()
}

func RecordHeaderCache(hit bool) {
	if hit {
		HeaderCacheHits.Inc()
		return
	}
	HeaderCacheMisses.Inc()
}
