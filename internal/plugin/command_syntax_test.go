package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapwire/tapwire/internal/plugin"
)

func TestParseInvocation_Basic(t *testing.T) {
	inv, err := plugin.ParseInvocation("echo ping a b c")
	require.NoError(t, err)
	assert.Equal(t, "echo", inv.Plugin)
	assert.Equal(t, "ping", inv.Command)
	assert.Equal(t, []string{"a", "b", "c"}, inv.Args)
}

func TestParseInvocation_QuotedArgumentIsSingleToken(t *testing.T) {
	inv, err := plugin.ParseInvocation(`at_responder send "AT+COPS?"`)
	require.NoError(t, err)
	assert.Equal(t, "at_responder", inv.Plugin)
	assert.Equal(t, "send", inv.Command)
	assert.Equal(t, []string{"AT+COPS?"}, inv.Args)
}

func TestParseInvocation_QuotedArgumentWithEmbeddedSpace(t *testing.T) {
	inv, err := plugin.ParseInvocation(`echo say "hello world"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello world"}, inv.Args)
}

func TestParseInvocation_EscapedQuote(t *testing.T) {
	inv, err := plugin.ParseInvocation(`echo say "say \"hi\""`)
	require.NoError(t, err)
	assert.Equal(t, []string{`say "hi"`}, inv.Args)
}

func TestParseInvocation_MissingCommandErrors(t *testing.T) {
	_, err := plugin.ParseInvocation("echo")
	assert.Error(t, err)
}

func TestParseInvocation_EmptyLineErrors(t *testing.T) {
	_, err := plugin.ParseInvocation("")
	assert.Error(t, err)
}

func TestParseInvocation_UnterminatedQuoteErrors(t *testing.T) {
	_, err := plugin.ParseInvocation(`echo say "unterminated`)
	assert.Error(t, err)
}

func TestParseInvocation_NoArgs(t *testing.T) {
	inv, err := plugin.ParseInvocation("echo ping")
	require.NoError(t, err)
	assert.Empty(t, inv.Args)
}

func TestParseInvocation_ExtraWhitespaceCollapses(t *testing.T) {
	inv, err := plugin.ParseInvocation("echo   ping    a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, inv.Args)
}
