package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/llamadrama/internal/logger"
	"github.com/23skdu/llamadrama/internal/tokenizer"
)

// Session is a multi-turn chat over one KV cache. Each turn feeds only the
// conversation tokens the cache has not seen yet.
type Session struct {
	m      *Model
	st     *State
	format *tokenizer.ChatFormat
	log    *logger.Logger

	history []int
	cached  int
	done    bool
}

// NewSession starts a conversation, optionally with a system message. The
// model's tokenizer must carry the Llama 3 chat tokens.
func NewSession(m *Model, systemPrompt string) (*Session, error) {
	if m.tok == nil {
		return nil, errors.New("session: model has no tokenizer")
	}
	format, err := tokenizer.NewChatFormat(m.tok)
	if err != nil {
		return nil, err
	}
	s := &Session{
		m:       m,
		st:      m.NewState(),
		format:  format,
		log:     logger.Log.With("component", "chat"),
		history: []int{format.BeginOfText},
	}
	if systemPrompt != "" {
		ids, err := format.EncodeMessage(tokenizer.Message{Role: tokenizer.RoleSystem, Content: systemPrompt})
		if err != nil {
			return nil, fmt.Errorf("session: system prompt: %w", err)
		}
		s.history = append(s.history, ids...)
	}
	return s, nil
}

func (s *Session) Format() *tokenizer.ChatFormat { return s.format }

// Used is the number of conversation tokens so far.
func (s *Session) Used() int { return len(s.history) }

// ContextLength is the capacity shared by all turns.
func (s *Session) ContextLength() int { return s.m.cfg.ContextLength }

// Done reports whether the context ran out; no further turns are possible.
func (s *Session) Done() bool { return s.done }

// Send appends a user message plus an open assistant header and generates
// the reply. req supplies the sampler, limits and callbacks; the prompt,
// start position and stop tokens are filled in by the session.
func (s *Session) Send(ctx context.Context, text string, req GenerateRequest) (*Result, error) {
	if s.done {
		return nil, fmt.Errorf("%w: conversation is over", ErrContextExhausted)
	}
	msg, err := s.format.EncodeMessage(tokenizer.Message{Role: tokenizer.RoleUser, Content: text})
	if err != nil {
		return nil, err
	}
	header, err := s.format.EncodeHeader(tokenizer.RoleAssistant)
	if err != nil {
		return nil, err
	}

	turn := append(append(append([]int(nil), s.history...), msg...), header...)
	req.Prompt = turn[s.cached:]
	req.StartPos = s.cached
	req.StopTokens = s.format.StopTokens()

	res, err := s.m.Generate(ctx, s.st, req)
	if err != nil {
		if errors.Is(err, ErrContextExhausted) {
			s.done = true
		}
		return nil, err
	}

	s.history = append(turn, res.Tokens...)
	s.cached = res.NextPos
	if res.Reason == StopContext {
		s.done = true
	}
	s.log.Debug("turn finished", "used", len(s.history), "cached", s.cached, "reason", res.Reason.String())
	return res, nil
}

// Reply decodes the visible text of a turn: special tokens, including the
// closing stop token, are dropped.
func (s *Session) Reply(res *Result) string {
	ids := make([]int, 0, len(res.Tokens))
	for _, id := range res.Tokens {
		if !s.m.tok.IsSpecial(id) {
			ids = append(ids, id)
		}
	}
	return s.m.tok.Decode(ids)
}
