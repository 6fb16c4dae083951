package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/segmentio/ksuid"
)

const (
	secretSize    = 32
	saltSize      = 16
	// ksuidSize is the binary length of a KSUID.
	ksuidSize     = len(ksuid.Nil)
	linkTokenSize = ksuidSize + secretSize
)

// NewSecret returns 32 random bytes.
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// NewSalt returns 16 random bytes.
func NewSalt() ([saltSize]byte, error) {
	var salt [saltSize]byte
	_, err := rand.Read(salt[:])
	return salt, err
}

// SaltedHash is sha256(salt || secret).
func SaltedHash(salt, secret []byte) [32]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashToken returns the hex sha256 of an opaque token. Session documents
// store this instead of the token itself.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewArtifactID returns a time-ordered KSUID.
func NewArtifactID() (ksuid.KSUID, error) {
	return ksuid.NewRandom()
}

// EncodeLinkToken packs the artifact id and its secret into a URL-safe token.
func EncodeLinkToken(id ksuid.KSUID, secret [secretSize]byte) string {
	var raw [linkTokenSize]byte
	copy(raw[:ksuidSize], id.Bytes())
	copy(raw[ksuidSize:], secret[:])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// DecodeLinkToken is the inverse of EncodeLinkToken.
func DecodeLinkToken(token string) (ksuid.KSUID, [secretSize]byte, error) {
	var secret [secretSize]byte
	if strings.ContainsAny(token, "\r\n") {
		return ksuid.Nil, secret, errors.New("invalid link token encoding")
	}

	raw, err := base64.RawURLEncoding.Strict().DecodeString(token)
	if err != nil {
		return ksuid.Nil, secret, err
	}
	if len(raw) != linkTokenSize {
		return ksuid.Nil, secret, errors.New("invalid link token size")
	}

	id, err := ksuid.FromBytes(raw[:ksuidSize])
	if err != nil {
		return ksuid.Nil, secret, err
	}
	copy(secret[:], raw[ksuidSize:])
	return id, secret, nil
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
