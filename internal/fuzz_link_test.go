package internal

import (
	"testing"
)

// FuzzDecodeLinkToken exercises link token decoding with arbitrary strings.
// Invalid inputs must return errors without panicking.
func FuzzDecodeLinkToken(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("!!!not-base64!!!")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	if id, err := NewArtifactID(); err == nil {
		if secret, err := NewSecret(); err == nil {
			f.Add(EncodeLinkToken(id, secret))
		}
	}

	f.Fuzz(func(t *testing.T, token string) {
		id, secret, err := DecodeLinkToken(token)
		if err != nil {
			return
		}
		if EncodeLinkToken(id, secret) != token {
			t.Fatalf("decode/encode mismatch for %q", token)
		}
	})
}
