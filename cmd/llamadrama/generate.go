package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/engine"
	"github.com/23skdu/llamadrama/internal/logger"
	"github.com/23skdu/llamadrama/internal/monitoring"
	"github.com/23skdu/llamadrama/internal/sampler"
	"github.com/23skdu/llamadrama/internal/tokenizer"
)

const contextExhaustedMessage = "Ran out of context length..."

func generationFlags(f *pflag.FlagSet) {
	f.StringP("prompt", "p", "", "input prompt")
	f.String("system-prompt", "", "system prompt")
	f.Float64("temperature", 0.1, "sampling temperature (0 = greedy)")
	f.Float64("top-p", 0.95, "nucleus sampling threshold")
	f.Uint64("seed", 0, "random seed (default: time based)")
	f.IntP("max-tokens", "n", 512, "maximum tokens per reply")
	f.Bool("stream", true, "print tokens as they are generated")
	f.Bool("echo", false, "write every processed token to stderr")
	f.Int("batch-size", engine.DefaultBatchSize, "prompt positions per forward pass")
	f.Int("context-length", 0, "lower the context length (0 = trained maximum)")
	f.String("metrics-addr", "", "serve /metrics and /health on this address")
	f.String("trace", "", "write per-token logit traces to this Arrow IPC file")
}

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Answer one prompt and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			if len(args) > 0 && a.settings.Prompt == "" {
				a.settings.Prompt = strings.Join(args, " ")
			}
			if a.settings.Prompt == "" && !a.settings.Interactive {
				return errors.New("missing prompt: pass --prompt or an argument")
			}
			return a.generate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cmd.InOrStdin())
		},
	}
	generationFlags(cmd.Flags())
	cmd.Flags().BoolP("interactive", "i", false, "chat instead of answering once")
	return cmd
}

func (a *app) newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive multi-turn chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			a.settings.Interactive = true
			return a.generate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cmd.InOrStdin())
		},
	}
	generationFlags(cmd.Flags())
	return cmd
}

// runner owns everything one generation command needs.
type runner struct {
	s      config.Settings
	m      *engine.Model
	tok    *tokenizer.Tokenizer
	out    io.Writer
	errOut io.Writer
	pos    atomic.Int64
}

func (a *app) generate(ctx context.Context, out, errOut io.Writer, in io.Reader) error {
	s := a.settings
	log := logger.Log

	var m *engine.Model
	var loaded atomic.Bool
	r := &runner{s: s, out: out, errOut: errOut}
	if s.MetricsAddr != "" {
		srv := monitoring.NewServer(s.MetricsAddr, func() monitoring.EngineStatus {
			st := monitoring.EngineStatus{ModelPath: s.Model, Position: int(r.pos.Load())}
			if loaded.Load() {
				cfg := m.Config()
				st.ModelLoaded = true
				st.Config = cfg.String()
				st.ContextLength = cfg.ContextLength
			}
			return st
		})
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start monitoring server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var err error
	m, err = engine.Load(s.Model, engine.Options{
		BatchSize:     s.BatchSize,
		ContextLength: s.ContextLength,
		Threads:       s.Threads,
		HeaderCache:   a.headers,
	})
	if err != nil {
		return err
	}
	defer m.Close()
	loaded.Store(true)
	r.m, r.tok = m, m.Tokenizer()

	smp, err := sampler.New(sampler.Config{
		Temperature: float32(s.Temperature),
		TopP:        float32(s.TopP),
		Seed:        s.Seed,
	})
	if err != nil {
		return err
	}
	req := engine.GenerateRequest{Sampler: smp, MaxTokens: s.MaxTokens, Echo: s.Echo}

	if s.TracePath != "" {
		tw, err := engine.NewTraceWriter(s.TracePath, 0)
		if err != nil {
			return err
		}
		defer func() {
			if err := tw.Close(); err != nil {
				log.Error("failed to close trace", "error", err)
			}
		}()
		req.Trace = tw
	}

	sess, err := engine.NewSession(m, s.SystemPrompt)
	if err != nil {
		if s.Interactive {
			return err
		}
		log.Warn("model has no chat template, running plain completion", "error", err)
		return r.complete(ctx, req)
	}
	if s.Interactive {
		return r.chat(ctx, sess, req, in)
	}
	_, err = r.turn(ctx, sess, s.Prompt, req)
	if errors.Is(err, engine.ErrContextExhausted) {
		fmt.Fprintln(r.errOut, contextExhaustedMessage)
		return nil
	}
	return err
}

// attach wires streaming, echo and position tracking into req.
func (r *runner) attach(req engine.GenerateRequest) (engine.GenerateRequest, *tokenizer.StreamDecoder) {
	dec := tokenizer.NewStreamDecoder(r.tok)
	req.OnToken = func(t engine.Token) {
		r.pos.Store(int64(t.Pos))
		if r.s.Echo {
			fmt.Fprint(r.errOut, tokenizer.ReplaceControlCharacters(r.tok.DecodeToken(t.ID)))
		}
		if t.Prompt || !r.s.Stream || r.tok.IsSpecial(t.ID) {
			return
		}
		fmt.Fprint(r.out, dec.Next(t.ID))
	}
	return req, dec
}

// turn sends one user message and prints the reply.
func (r *runner) turn(ctx context.Context, sess *engine.Session, text string, req engine.GenerateRequest) (*engine.Result, error) {
	req, dec := r.attach(req)
	res, err := sess.Send(ctx, text, req)
	if err != nil {
		return nil, err
	}
	if r.s.Stream {
		fmt.Fprintln(r.out, dec.Flush())
	} else {
		fmt.Fprintln(r.out, sess.Reply(res))
	}
	if res.Reason == engine.StopContext {
		return res, engine.ErrContextExhausted
	}
	return res, nil
}

func (r *runner) chat(ctx context.Context, sess *engine.Session, req engine.GenerateRequest, in io.Reader) error {
	tty := false
	if f, ok := in.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		if tty {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/context":
			used, total := sess.Used(), sess.ContextLength()
			fmt.Fprintf(r.out, "%d out of %d context tokens used (%d tokens remaining)\n", used, total, total-used)
			continue
		}

		if _, err := r.turn(ctx, sess, text, req); err != nil {
			if errors.Is(err, engine.ErrContextExhausted) {
				fmt.Fprintln(r.errOut, contextExhaustedMessage)
				return nil
			}
			return err
		}
	}
}

// complete runs the raw prompt for models without chat tokens.
func (r *runner) complete(ctx context.Context, req engine.GenerateRequest) error {
	ids, err := r.tok.EncodeOrdinary(r.s.Prompt)
	if err != nil {
		return err
	}
	if bos, ok := r.tok.SpecialToken("<|begin_of_text|>"); ok {
		ids = append([]int{bos}, ids...)
	}
	stop := map[int]struct{}{}
	for _, name := range []string{"<|end_of_text|>", "<|eot_id|>"} {
		if id, ok := r.tok.SpecialToken(name); ok {
			stop[id] = struct{}{}
		}
	}
	req, dec := r.attach(req)
	req.Prompt = ids
	req.StopTokens = stop

	res, err := r.m.Generate(ctx, r.m.NewState(), req)
	if err != nil {
		return err
	}
	if r.s.Stream {
		fmt.Fprintln(r.out, dec.Flush())
	} else {
		var visible []int
		for _, id := range res.Tokens {
			if !r.tok.IsSpecial(id) {
				visible = append(visible, id)
			}
		}
		fmt.Fprintln(r.out, r.tok.Decode(visible))
	}
	if res.Reason == engine.StopContext {
		fmt.Fprintln(r.errOut, contextExhaustedMessage)
	}
	return nil
}
