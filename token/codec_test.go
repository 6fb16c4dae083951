package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCodec(t *testing.T) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec, err := NewCodec(Config{
		AccessSecret:  []byte(strings.Repeat("a", 32)),
		RefreshSecret: []byte(strings.Repeat("r", 32)),
		Issuer:        "tenant-auth",
		Now:           clock.Now,
	})
	require.NoError(t, err)
	return codec, clock
}

func TestIssueVerifyRoundTripThenExpire(t *testing.T) {
	codec, clock := newTestCodec(t)
	sub := Subject{TenantID: "t1", UserID: "42", DeviceID: "dev-1"}

	tok, err := codec.Issue(sub, KindAccess, 5*time.Minute)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	payload, err := codec.Verify(tok, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "42", payload.UserID)
	assert.Equal(t, "dev-1", payload.DeviceID)
	assert.Equal(t, "t1", payload.TenantID)
	assert.Equal(t, payload.IssuedAt.Add(5*time.Minute), payload.ExpiresAt)

	clock.Advance(2 * time.Minute)
	_, err = codec.Verify(tok, KindAccess)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestKindsUseIndependentSecrets(t *testing.T) {
	codec, _ := newTestCodec(t)
	sub := Subject{UserID: "1", DeviceID: "d"}

	refresh, err := codec.Issue(sub, KindRefresh, time.Hour)
	require.NoError(t, err)

	_, err = codec.Verify(refresh, KindAccess)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = codec.Verify(refresh, KindRefresh)
	require.NoError(t, err)
}

func TestTamperedTokenIsInvalidSignature(t *testing.T) {
	codec, _ := newTestCodec(t)
	tok, err := codec.Issue(Subject{UserID: "1", DeviceID: "d"}, KindAccess, time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = codec.Verify(tampered, KindAccess)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestMalformedToken(t *testing.T) {
	codec, _ := newTestCodec(t)

	for _, raw := range []string{"", "abc", "a.b.c"} {
		_, err := codec.Verify(raw, KindAccess)
		require.ErrorIs(t, err, ErrMalformedToken, "input %q", raw)
	}
}

func TestRotatedTokensDiffer(t *testing.T) {
	codec, _ := newTestCodec(t)
	sub := Subject{UserID: "1", DeviceID: "d"}

	first, err := codec.Issue(sub, KindRefresh, time.Hour)
	require.NoError(t, err)
	second, err := codec.Issue(sub, KindRefresh, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestNewCodecRejectsSharedSecret(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	_, err := NewCodec(Config{AccessSecret: secret, RefreshSecret: secret})
	require.Error(t, err)

	_, err = NewCodec(Config{AccessSecret: []byte("short"), RefreshSecret: secret})
	require.Error(t, err)
}
