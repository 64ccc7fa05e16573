package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/23skdu/llamadrama/internal/config"
	"github.com/23skdu/llamadrama/internal/gguf"
)

func (a *app) newInspectCmd() *cobra.Command {
	var tensors bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print GGUF metadata and the tensor table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				_ = cmd.Flags().Set("model", args[0])
			}
			if err := a.load(cmd); err != nil {
				return err
			}
			f, err := gguf.Open(a.settings.Model, a.headers)
			if err != nil {
				return err
			}
			defer f.Close()
			return inspect(cmd.OutOrStdout(), f, tensors)
		},
	}
	cmd.Flags().BoolVar(&tensors, "tensors", true, "list tensors")
	return cmd
}

func inspect(out io.Writer, f *gguf.File, tensors bool) error {
	fmt.Fprintf(out, "file:      %s\n", f.Path)
	fmt.Fprintf(out, "version:   %d\n", f.Version)
	fmt.Fprintf(out, "alignment: %d\n", f.Alignment)
	fmt.Fprintf(out, "tensors:   %d\n", len(f.Tensors()))
	if cfg, err := config.FromGGUF(f.Metadata); err == nil {
		fmt.Fprintf(out, "model:     %s\n", cfg.String())
	} else {
		fmt.Fprintf(out, "model:     not a supported llama config (%v)\n", err)
	}

	fmt.Fprintln(out, "\nmetadata:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, k := range f.Metadata.Keys() {
		fmt.Fprintf(w, "  %s\t%s\n", k, gguf.Summary(f.Metadata[k]))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !tensors {
		return nil
	}

	fmt.Fprintln(out, "\ntensors:")
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tTYPE\tDIMS\tBYTES")
	for _, t := range f.Tensors() {
		fmt.Fprintf(w, "  %s\t%s\t%v\t%d\n", t.Name, t.Type, t.Dimensions, t.SizeBytes())
	}
	return w.Flush()
}
