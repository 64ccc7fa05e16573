// Command llamadrama runs quantized Llama-family GGUF models on the CPU.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/gguf"
	"github.com/23skdu/llamadrama/internal/logger"
	"github.com/23skdu/llamadrama/internal/ollama"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger.Log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app carries the decoded settings from the root command to subcommands.
type app struct {
	configFile string
	settings   config.Settings
	headers    *gguf.HeaderCache
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "llamadrama",
		Short:         "Quantized Llama inference on the CPU",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default ./llamadrama.yaml)")
	pf.StringP("model", "m", "", "GGUF model path or Ollama model name")
	pf.String("log-level", "info", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "console", "log format: console or json")
	pf.Int("threads", 0, "worker threads (0 = one per physical core)")

	root.AddCommand(
		a.newRunCmd(),
		a.newChatCmd(),
		a.newInspectCmd(),
		a.newTokenizeCmd(),
	)
	return root
}

// load merges defaults, config file, environment and the flags of cmd.
func (a *app) load(cmd *cobra.Command) error {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}
	s, err := config.LoadSettings(v)
	if err != nil {
		return err
	}
	logger.Setup(s.LogLevel, s.LogFormat)

	if s.Model, err = ollama.ResolveModelPath(s.Model); err != nil {
		return fmt.Errorf("failed to resolve model: %w", err)
	}
	if a.headers, err = gguf.NewHeaderCache(4); err != nil {
		return err
	}
	// Reject a bad file before any listener or trace file is created. Later
	// opens of the model reuse the parsed header.
	if err := a.headers.Preload(s.Model); err != nil {
		return fmt.Errorf("failed to read model header: %w", err)
	}
	a.settings = s
	logger.Log.Debug("settings loaded", "model", s.Model, "config", v.ConfigFileUsed())
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return v.BindPFlags(cmd.InheritedFlags())
}
