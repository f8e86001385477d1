// Package token implements the placeholder grammar used to reference
// credentials in text: [VAULT:<namespace>:<credential>(.<field>)?].
// Tokens stand in for secret values; this package never touches the
// values themselves.
package token

import (
	"regexp"
	"strings"

	"github.com/covault/covault/pkg/schema"
)

// pattern matches one well-formed vault token. Namespace, credential and
// field are alphanumerics, underscore and hyphen only. Anything else that
// merely looks bracket-ish is ordinary text.
var pattern = regexp.MustCompile(`\[VAULT:([A-Za-z0-9_-]+):([A-Za-z0-9_-]+)(?:\.([A-Za-z0-9_-]+))?\]`)

// Token is a transient parse result. It is never persisted.
type Token struct {
	Raw        string `json:"raw"`
	Namespace  string `json:"namespace"`
	Credential string `json:"credential"`
	Field      string `json:"field,omitempty"`
}

// Ref returns the credential reference the token points at.
func (t Token) Ref() schema.CredentialRef {
	return schema.CredentialRef{Namespace: t.Namespace, Name: t.Credential}
}

// Key returns the dedup key (namespace, credential, field). Repeated
// identical tokens in a text share one key and one resolution.
func (t Token) Key() string {
	if t.Field == "" {
		return t.Namespace + ":" + t.Credential
	}
	return t.Namespace + ":" + t.Credential + "." + t.Field
}

// HasToken reports whether text contains anything worth extracting.
// Cheap pre-check so token-free texts skip the regex entirely.
func HasToken(text string) bool {
	return strings.Contains(text, "[VAULT:")
}

// Extract returns every non-overlapping well-formed token in text, in
// order of appearance. Malformed or partial bracket syntax is skipped
// silently, never reported as an error.
func Extract(text string) []Token {
	if !HasToken(text) {
		return nil
	}
	matches := pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		tokens = append(tokens, Token{
			Raw:        m[0],
			Namespace:  m[1],
			Credential: m[2],
			Field:      m[3],
		})
	}
	return tokens
}

// ParseSingle parses candidate as exactly one token with no surrounding
// text. Returns false when candidate is not a lone well-formed token.
func ParseSingle(candidate string) (Token, bool) {
	m := pattern.FindStringSubmatch(candidate)
	if m == nil || m[0] != candidate {
		return Token{}, false
	}
	return Token{Raw: m[0], Namespace: m[1], Credential: m[2], Field: m[3]}, true
}

// ValidFormat reports whether candidate is a lone well-formed token.
func ValidFormat(candidate string) bool {
	_, ok := ParseSingle(candidate)
	return ok
}

// Render substitutes every occurrence of the token's raw match in text
// with value. Rendering the same token twice is a no-op the second time
// since the raw match no longer appears.
func Render(text string, t Token, value string) string {
	return strings.ReplaceAll(text, t.Raw, value)
}

// RenderAll rewrites text once, replacing every occurrence of each
// resolved token keyed by Token.Key. Unresolved tokens are left intact.
func RenderAll(text string, tokens []Token, values map[string]string) string {
	for _, t := range tokens {
		v, ok := values[t.Key()]
		if !ok {
			continue
		}
		text = strings.ReplaceAll(text, t.Raw, v)
	}
	return text
}
