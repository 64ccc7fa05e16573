package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var llamaSpecials = []string{
	"<|begin_of_text|>",
	"<|start_header_id|>",
	"<|end_header_id|>",
	"<|eot_id|>",
	"<|end_of_text|>",
	"<|eom_id|>",
}

func TestChatFormat(t *testing.T) {
	tok := byteTokenizer(t, Llama3Pattern, nil, nil, llamaSpecials)
	cf, err := NewChatFormat(tok)
	require.NoError(t, err)

	assert.Equal(t, 256, cf.BeginOfText)
	assert.Equal(t, 259, cf.EndOfTurn)
	assert.Equal(t, 261, cf.EndOfMessage)

	header, err := cf.EncodeHeader(RoleUser)
	require.NoError(t, err)
	assert.Equal(t, []int{257, 'u', 's', 'e', 'r', 258, '\n', '\n'}, header)

	msg, err := cf.EncodeMessage(Message{Role: RoleUser, Content: "  hi \n"})
	require.NoError(t, err)
	assert.Equal(t, append(header, 'h', 'i', 259), msg)

	assert.Equal(t, map[int]struct{}{259: {}, 260: {}, 261: {}}, cf.StopTokens())
}

func TestEncodeDialogPrompt(t *testing.T) {
	tok := byteTokenizer(t, Llama3Pattern, nil, nil, llamaSpecials)
	cf, err := NewChatFormat(tok)
	require.NoError(t, err)

	ids, err := cf.EncodeDialogPrompt(true, []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, cf.BeginOfText, ids[0])

	text := tok.Decode(ids)
	assert.Equal(t, "<|begin_of_text|>"+
		"<|start_header_id|>system<|end_header_id|>\n\nbe brief<|eot_id|>"+
		"<|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|>"+
		"<|start_header_id|>assistant<|end_header_id|>\n\n", text)

	closed, err := cf.EncodeDialogPrompt(false, []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, cf.EndOfTurn, closed[len(closed)-1])
}

func TestChatFormatMissingSpecials(t *testing.T) {
	tok := byteTokenizer(t, Llama3Pattern, nil, nil, []string{"<|begin_of_text|>"})
	_, err := NewChatFormat(tok)
	assert.ErrorContains(t, err, "<|start_header_id|>")
}

func TestChatFormatWithoutEOM(t *testing.T) {
	tok := byteTokenizer(t, Llama3Pattern, nil, nil, llamaSpecials[:5])
	cf, err := NewChatFormat(tok)
	require.NoError(t, err)
	assert.Equal(t, -1, cf.EndOfMessage)
	assert.Len(t, cf.StopTokens(), 2)
}
