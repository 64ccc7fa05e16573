package engine

import (
	"fmt"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/llamadrama/internal/logger"
)

const traceBatchRows = 256

// TraceSchema is the layout of trace files: one row per generated token.
var TraceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "pos", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "stop", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "logit", Type: arrow.PrimitiveTypes.Float32},
	{Name: "max_logit", Type: arrow.PrimitiveTypes.Float32},
	{Name: "entropy", Type: arrow.PrimitiveTypes.Float32},
	{Name: "top_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "top_logits", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// TraceWriter records the raw logits behind every sampled token to an Arrow
// IPC file. Rows are buffered and written in record batches.
type TraceWriter struct {
	path string
	topK int

	f   *os.File
	mem memory.Allocator
	w   *ipc.FileWriter
	b   *array.RecordBuilder

	rows    int
	total   int
	logits  []float32
	scratch []int
}

func NewTraceWriter(path string, topK int) (*TraceWriter, error) {
	if topK <= 0 {
		topK = 5
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(TraceSchema), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create trace writer: %w", err)
	}
	logger.Log.Info("writing token trace", "path", path, "top_k", topK)
	return &TraceWriter{
		path: path,
		topK: topK,
		f:    f,
		mem:  mem,
		w:    w,
		b:    array.NewRecordBuilder(mem, TraceSchema),
	}, nil
}

// observe snapshots logits before a sampler rewrites them.
func (t *TraceWriter) observe(logits []float32) {
	t.logits = append(t.logits[:0], logits...)
}

// record appends the row for tok using the last observed logits.
func (t *TraceWriter) record(tok Token) error {
	logits := t.logits
	maxLogit, entropy := logitStats(logits)

	var chosen float32
	if tok.ID >= 0 && tok.ID < len(logits) {
		chosen = logits[tok.ID]
	}

	t.b.Field(0).(*array.Int32Builder).Append(int32(tok.Pos))
	t.b.Field(1).(*array.Int32Builder).Append(int32(tok.ID))
	t.b.Field(2).(*array.BooleanBuilder).Append(tok.Stop)
	t.b.Field(3).(*array.Float32Builder).Append(chosen)
	t.b.Field(4).(*array.Float32Builder).Append(maxLogit)
	t.b.Field(5).(*array.Float32Builder).Append(entropy)

	top := t.topIDs(logits)
	ids := t.b.Field(6).(*array.ListBuilder)
	vals := t.b.Field(7).(*array.ListBuilder)
	ids.Append(true)
	vals.Append(true)
	idb := ids.ValueBuilder().(*array.Int32Builder)
	vb := vals.ValueBuilder().(*array.Float32Builder)
	for _, id := range top {
		idb.Append(int32(id))
		vb.Append(logits[id])
	}

	t.rows++
	t.total++
	if t.rows >= traceBatchRows {
		return t.flush()
	}
	return nil
}

// topIDs returns the ids of the topK largest logits, largest first.
func (t *TraceWriter) topIDs(logits []float32) []int {
	top := t.scratch[:0]
	for id, v := range logits {
		if n := len(top); n == t.topK {
			if v <= logits[top[n-1]] {
				continue
			}
			top = top[:n-1]
		}
		i := len(top)
		top = append(top, id)
		for i > 0 && logits[top[i-1]] < v {
			top[i] = top[i-1]
			i--
		}
		top[i] = id
	}
	t.scratch = top
	return top
}

// logitStats returns the largest logit and the entropy, in nats, of the
// softmax distribution.
func logitStats(logits []float32) (float32, float32) {
	if len(logits) == 0 {
		return 0, 0
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		maxLogit = max(maxLogit, v)
	}
	var sum, weighted float64
	for _, v := range logits {
		d := float64(v - maxLogit)
		e := math.Exp(d)
		sum += e
		weighted += e * d
	}
	return maxLogit, float32(math.Log(sum) - weighted/sum)
}

func (t *TraceWriter) flush() error {
	if t.rows == 0 {
		return nil
	}
	rec := t.b.NewRecord()
	defer rec.Release()
	t.rows = 0
	if err := t.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write trace batch: %w", err)
	}
	return nil
}

// Rows is the number of tokens recorded so far.
func (t *TraceWriter) Rows() int { return t.total }

// Close flushes buffered rows and finalizes the file.
func (t *TraceWriter) Close() error {
	defer t.b.Release()
	if err := t.flush(); err != nil {
		_ = t.f.Close()
		return err
	}
	if err := t.w.Close(); err != nil {
		_ = t.f.Close()
		return fmt.Errorf("failed to finalize trace: %w", err)
	}
	logger.Log.Debug("trace closed", "path", t.path, "rows", t.total)
	return t.f.Close()
}
