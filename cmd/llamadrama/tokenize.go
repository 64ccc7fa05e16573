package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/llamadrama/internal/tokenizer"
)

func (a *app) newTokenizeCmd() *cobra.Command {
	var specials, decode bool
	cmd := &cobra.Command{
		Use:   "tokenize [text]",
		Short: "Print the token ids and pieces of a text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(cmd); err != nil {
				return err
			}
			tok, err := tokenizer.FromFile(a.settings.Model, a.headers)
			if err != nil {
				return err
			}
			return tokenize(cmd.OutOrStdout(), tok, strings.Join(args, " "), specials, decode)
		},
	}
	cmd.Flags().BoolVar(&specials, "specials", false, "match special tokens in the text")
	cmd.Flags().BoolVar(&decode, "decode", false, "also print the decoded round trip")
	return cmd
}

func tokenize(out io.Writer, tok *tokenizer.Tokenizer, text string, specials, decode bool) error {
	encode := tok.EncodeOrdinary
	if specials {
		encode = tok.EncodeAll
	}
	ids, err := encode(text)
	if err != nil {
		return err
	}
	for _, id := range ids {
		piece := tokenizer.ReplaceControlCharacters(tok.DecodeToken(id))
		marker := ""
		if tok.IsSpecial(id) {
			marker = " (special)"
		}
		fmt.Fprintf(out, "%8d  '%s'%s\n", id, piece, marker)
	}
	fmt.Fprintf(out, "%d tokens\n", len(ids))
	if decode {
		fmt.Fprintf(out, "decoded: %q\n", tok.Decode(ids))
	}
	return nil
}
