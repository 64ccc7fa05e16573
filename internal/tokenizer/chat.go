package tokenizer

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// ChatFormat renders dialogs with the Llama 3 header and turn tokens.
type ChatFormat struct {
	tok *Tokenizer

	BeginOfText  int
	StartHeader  int
	EndHeader    int
	EndOfTurn    int
	EndOfText    int
	EndOfMessage int // -1 when the vocabulary has no <|eom_id|>
}

// NewChatFormat resolves the chat special tokens of t.
func NewChatFormat(t *Tokenizer) (*ChatFormat, error) {
	lookup := func(s string) (int, error) {
		id, ok := t.SpecialToken(s)
		if !ok {
			return 0, fmt.Errorf("chat format: missing special token %s", s)
		}
		return id, nil
	}

	cf := &ChatFormat{tok: t, EndOfMessage: -1}
	var err error
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"<|begin_of_text|>", &cf.BeginOfText},
		{"<|start_header_id|>", &cf.StartHeader},
		{"<|end_header_id|>", &cf.EndHeader},
		{"<|eot_id|>", &cf.EndOfTurn},
		{"<|end_of_text|>", &cf.EndOfText},
	} {
		if *f.dst, err = lookup(f.name); err != nil {
			return nil, err
		}
	}
	if id, ok := t.SpecialToken("<|eom_id|>"); ok {
		cf.EndOfMessage = id
	}
	return cf, nil
}

// StopTokens returns the ids that end an assistant turn.
func (cf *ChatFormat) StopTokens() map[int]struct{} {
	stop := map[int]struct{}{cf.EndOfTurn: {}, cf.EndOfText: {}}
	if cf.EndOfMessage >= 0 {
		stop[cf.EndOfMessage] = struct{}{}
	}
	return stop
}

func (cf *ChatFormat) EncodeHeader(role Role) ([]int, error) {
	roleIDs, err := cf.tok.EncodeOrdinary(string(role))
	if err != nil {
		return nil, err
	}
	nl, err := cf.tok.EncodeOrdinary("\n\n")
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(roleIDs)+len(nl)+2)
	ids = append(ids, cf.StartHeader)
	ids = append(ids, roleIDs...)
	ids = append(ids, cf.EndHeader)
	return append(ids, nl...), nil
}

func (cf *ChatFormat) EncodeMessage(msg Message) ([]int, error) {
	ids, err := cf.EncodeHeader(msg.Role)
	if err != nil {
		return nil, err
	}
	content, err := cf.tok.EncodeOrdinary(strings.TrimSpace(msg.Content))
	if err != nil {
		return nil, err
	}
	ids = append(ids, content...)
	return append(ids, cf.EndOfTurn), nil
}

// EncodeDialogPrompt renders a full dialog from <|begin_of_text|>. With
// openAssistant set, the result ends with an empty assistant header ready
// for generation.
func (cf *ChatFormat) EncodeDialogPrompt(openAssistant bool, dialog []Message) ([]int, error) {
	ids := []int{cf.BeginOfText}
	for _, msg := range dialog {
		m, err := cf.EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, m...)
	}
	if openAssistant {
		h, err := cf.EncodeHeader(RoleAssistant)
		if err != nil {
			return nil, err
		}
		ids = append(ids, h...)
	}
	return ids, nil
}
