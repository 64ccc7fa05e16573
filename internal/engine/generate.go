package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/23skdu/llamadrama/internal/metrics"
	"github.com/23skdu/llamadrama/internal/sampler"
)

type StopReason int

const (
	StopToken StopReason = iota
	StopMaxTokens
	StopContext
)

func (r StopReason) String() string {
	switch r {
	case StopToken:
		return "stop_token"
	case StopMaxTokens:
		return "max_tokens"
	case StopContext:
		return "context"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Token is one element of a generation stream.
type Token struct {
	ID  int
	Pos int

	// Stop is set on a generated stop token.
	Stop bool

	// Prompt marks echoed prompt tokens.
	Prompt bool
}

type GenerateRequest struct {
	Prompt     []int
	StartPos   int
	StopTokens map[int]struct{}

	// MaxTokens bounds the number of generated tokens. Zero means no bound
	// other than the context.
	MaxTokens int

	Sampler sampler.Sampler

	// Echo streams the prompt tokens too.
	Echo bool

	// OnToken, when set, sees every token before the stream consumer does.
	OnToken func(Token)

	// Trace, when set, records per-step logit statistics.
	Trace *TraceWriter
}

type Result struct {
	// Tokens holds the generated ids, including a final stop token.
	Tokens []int
	Reason StopReason

	// NextPos is the first position not yet in the cache. The last
	// generated token has not been fed and belongs there.
	NextPos int
}

// Stream generates lazily. The sequence yields prompt tokens when Echo is
// set, then generated tokens. A failure, including running out of context,
// is yielded as the final element with a zero Token.
func (m *Model) Stream(ctx context.Context, st *State, req GenerateRequest) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		_, err := m.run(ctx, st, req, func(tok Token) bool { return yield(tok, nil) })
		if err != nil {
			yield(Token{}, err)
		}
	}
}

// Generate runs to completion and returns the generated ids. Running out of
// context is reported as StopContext rather than as an error.
func (m *Model) Generate(ctx context.Context, st *State, req GenerateRequest) (*Result, error) {
	res, err := m.run(ctx, st, req, func(Token) bool { return true })
	if err != nil && !(res != nil && res.Reason == StopContext && errors.Is(err, ErrContextExhausted)) {
		return nil, err
	}
	return res, nil
}

// run drives prefill and decoding. It returns (nil, nil) when emit asks to
// stop early, and a result together with ErrContextExhausted when the
// context fills up.
func (m *Model) run(ctx context.Context, st *State, req GenerateRequest, emit func(Token) bool) (*Result, error) {
	cfg := &m.cfg
	if len(req.Prompt) == 0 {
		return nil, errors.New("generate: empty prompt")
	}
	if req.Sampler == nil {
		return nil, errors.New("generate: no sampler")
	}
	if req.StartPos < 0 {
		return nil, fmt.Errorf("generate: negative start position %d", req.StartPos)
	}
	if end := req.StartPos + len(req.Prompt); end > cfg.ContextLength {
		metrics.RecordContextExhausted()
		return nil, fmt.Errorf("%w: prompt ends at position %d, context length %d", ErrContextExhausted, end, cfg.ContextLength)
	}

	send := func(tok Token) bool {
		if req.OnToken != nil {
			req.OnToken(tok)
		}
		return emit(tok)
	}

	start := time.Now()
	pos := req.StartPos
	for i := 0; i < len(req.Prompt); i += st.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+st.batch, len(req.Prompt))
		if err := m.Forward(st, req.Prompt[i:end], pos+i, end == len(req.Prompt)); err != nil {
			return nil, err
		}
		if req.Echo {
			for j := i; j < end; j++ {
				if !send(Token{ID: req.Prompt[j], Pos: pos + j, Prompt: true}) {
					return nil, nil
				}
			}
		}
	}
	pos += len(req.Prompt)

	res := &Result{}
	finish := func(reason StopReason) *Result {
		res.Reason = reason
		res.NextPos = pos
		d := time.Since(start)
		metrics.RecordGeneration(len(res.Tokens), d, reason.String())
		metrics.RecordKVCache(pos, st.Cache.SizeBytes())
		m.log.Info("generation finished",
			"prompt", len(req.Prompt),
			"tokens", len(res.Tokens),
			"tokens_per_sec", float64(len(res.Tokens))/d.Seconds(),
			"reason", reason.String(),
			"pos", pos)
		return res
	}

	for {
		if req.Trace != nil {
			req.Trace.observe(st.Logits())
		}
		next := req.Sampler.Sample(st.Logits())
		_, stop := req.StopTokens[next]
		tok := Token{ID: next, Pos: pos, Stop: stop}
		res.Tokens = append(res.Tokens, next)
		if req.Trace != nil {
			if err := req.Trace.record(tok); err != nil {
				return nil, err
			}
		}
		if !send(tok) {
			return nil, nil
		}

		switch {
		case stop:
			return finish(StopToken), nil
		case req.MaxTokens > 0 && len(res.Tokens) >= req.MaxTokens:
			return finish(StopMaxTokens), nil
		case pos >= cfg.ContextLength:
			metrics.RecordContextExhausted()
			return finish(StopContext), fmt.Errorf("%w: generated %d tokens, context length %d", ErrContextExhausted, len(res.Tokens), cfg.ContextLength)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.Forward(st, []int{next}, pos, true); err != nil {
			return nil, err
		}
		pos++
	}
}
