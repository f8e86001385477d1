package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Basic(t *testing.T) {
	tokens := Extract("login with [VAULT:personal:chase_login.username] please")
	require.Len(t, tokens, 1)
	assert.Equal(t, "personal", tokens[0].Namespace)
	assert.Equal(t, "chase_login", tokens[0].Credential)
	assert.Equal(t, "username", tokens[0].Field)
	assert.Equal(t, "[VAULT:personal:chase_login.username]", tokens[0].Raw)
}

func TestExtract_NoField(t *testing.T) {
	tokens := Extract("[VAULT:business:api_key]")
	require.Len(t, tokens, 1)
	assert.Empty(t, tokens[0].Field)
	assert.Equal(t, "business:api_key", tokens[0].Key())
}

func TestExtract_Ordered(t *testing.T) {
	tokens := Extract("[VAULT:a:one] then [VAULT:b:two] then [VAULT:a:one]")
	require.Len(t, tokens, 3)
	assert.Equal(t, "a:one", tokens[0].Key())
	assert.Equal(t, "b:two", tokens[1].Key())
	assert.Equal(t, "a:one", tokens[2].Key())
}

func TestExtract_MalformedIgnored(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"unclosed bracket", "[VAULT:personal:key"},
		{"missing credential", "[VAULT:personal]"},
		{"illegal chars", "[VAULT:per sonal:key]"},
		{"dollar in name", "[VAULT:ns:se$cret]"},
		{"empty namespace", "[VAULT::key]"},
		{"plain text", "no tokens here"},
		{"bare brackets", "array[0] and map[key]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Empty(t, Extract(tc.text))
		})
	}
}

func TestExtract_MalformedNextToValid(t *testing.T) {
	tokens := Extract("[VAULT:bad name:x] but [VAULT:good-ns:key_1] works")
	require.Len(t, tokens, 1)
	assert.Equal(t, "good-ns", tokens[0].Namespace)
	assert.Equal(t, "key_1", tokens[0].Credential)
}

func TestParseSingle(t *testing.T) {
	tok, ok := ParseSingle("[VAULT:personal:ssn.last4]")
	require.True(t, ok)
	assert.Equal(t, "personal:ssn.last4", tok.Key())

	_, ok = ParseSingle("prefix [VAULT:personal:ssn]")
	assert.False(t, ok)

	_, ok = ParseSingle("[VAULT:personal:ssn] suffix")
	assert.False(t, ok)
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("[VAULT:ns-1:cred_2.field-3]"))
	assert.False(t, ValidFormat("[VAULT:ns.1:cred]"))
	assert.False(t, ValidFormat(""))
}

func TestRender_ReplacesAllOccurrences(t *testing.T) {
	text := "[VAULT:a:k] and again [VAULT:a:k]"
	tokens := Extract(text)
	require.Len(t, tokens, 2)

	out := Render(text, tokens[0], "v")
	assert.Equal(t, "v and again v", out)

	// Rendering the same token again is idempotent.
	assert.Equal(t, out, Render(out, tokens[0], "v"))
}

func TestRenderAll_RoundTrip(t *testing.T) {
	text := "u=[VAULT:personal:login.username] p=[VAULT:personal:login.password]"
	tokens := Extract(text)
	values := map[string]string{
		"personal:login.username": "m@x.com",
		"personal:login.password": "p1",
	}
	out := RenderAll(text, tokens, values)
	assert.Equal(t, "u=m@x.com p=p1", out)
	assert.NotContains(t, out, "[VAULT:")
}

func TestRenderAll_UnresolvedLeftIntact(t *testing.T) {
	text := "[VAULT:a:k] [VAULT:b:k]"
	tokens := Extract(text)
	out := RenderAll(text, tokens, map[string]string{"a:k": "v"})
	assert.Equal(t, "v [VAULT:b:k]", out)
}

func TestHasToken(t *testing.T) {
	assert.True(t, HasToken("x [VAULT:a:b] y"))
	assert.False(t, HasToken("nothing"))
}
