package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordForwardCountsPromptTokens(t *testing.T) {
	before := testutil.ToFloat64(PromptTokensTotal)
	RecordForward(true, 16, 5*time.Millisecond)
	RecordForward(false, 1, time.Millisecond)
	if got := testutil.ToFloat64(PromptTokensTotal) - before; got != 16 {
		t.Errorf("expected 16 prompt tokens, got %v", got)
	}
}

func TestRecordGeneration(t *testing.T) {
	before := testutil.ToFloat64(InferenceTokensTotal)
	beforeReason := testutil.ToFloat64(GenerationsTotal.WithLabelValues("stop_token"))

	RecordGeneration(10, 2*time.Second, "stop_token")

	if got := testutil.ToFloat64(InferenceTokensTotal) - before; got != 10 {
		t.Errorf("expected 10 tokens, got %v", got)
	}
	if got := testutil.ToFloat64(GenerationsTotal.WithLabelValues("stop_token")) - beforeReason; got != 1 {
		t.Errorf("expected one generation, got %v", got)
	}
	if got := testutil.ToFloat64(TokensPerSecond); got != 5 {
		t.Errorf("expected 5 tokens/s, got %v", got)
	}
}

func TestRecordGenerationZeroDuration(t *testing.T) {
	RecordGeneration(3, 10*time.Second, "max_tokens")
	RecordGeneration(1, 0, "max_tokens")
	if got := testutil.ToFloat64(TokensPerSecond); got != 0.3 {
		t.Errorf("zero duration must not overwrite throughput, got %v", got)
	}
}

func TestRecordKVCache(t *testing.T) {
	RecordKVCache(128, 1<<20)
	if got := testutil.ToFloat64(KVCachePositions); got != 128 {
		t.Errorf("expected 128 positions, got %v", got)
	}
	if got := testutil.ToFloat64(KVCacheCapacityBytes); got != 1<<20 {
		t.Errorf("expected 1MiB capacity, got %v", got)
	}
}

func TestRecordEncodeErrors(t *testing.T) {
	before := testutil.ToFloat64(TokenizerEncodeErrors)
	RecordEncode(0, 0, errors.New("missing"))
	RecordEncode(12, time.Microsecond, nil)
	if got := testutil.ToFloat64(TokenizerEncodeErrors) - before; got != 1 {
		t.Errorf("expected one encode error, got %v", got)
	}
}

func TestRecordHeaderCache(t *testing.T) {
	hits := testutil.ToFloat64(HeaderCacheHits)
	misses := testutil.ToFloat64(HeaderCacheMisses)
	RecordHeaderCache(true)
	RecordHeaderCache(false)
	RecordHeaderCache(false)
	if got := testutil.ToFloat64(HeaderCacheHits) - hits; got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(HeaderCacheMisses) - misses; got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
}

func TestRecordTensorLoaded(t *testing.T) {
	before := testutil.ToFloat64(TensorsLoaded.WithLabelValues("Q8_0"))
	RecordTensorLoaded("Q8_0")
	if got := testutil.ToFloat64(TensorsLoaded.WithLabelValues("Q8_0")) - before; got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	RecordSampler(0.7, 0.9)
	RecordModelLoad(time.Second)
	RecordContextExhausted()
}
