package security

import (
	"testing"
	"time"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestTokensRoundTrip(t *testing.T) {
	req := require.New(t)
	tokens := NewTokens(secret, time.Hour)

	token, expires, err := tokens.Issue("user-1")
	req.NoError(err)
	req.NotEmpty(token)
	req.WithinDuration(time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := tokens.Verify(token)
	req.NoError(err)
	req.Equal("user-1", claims.UserID)
}

func TestTokensReject(t *testing.T) {
	tokens := NewTokens(secret, time.Hour)
	other := NewTokens("ffffffffffffffffffffffffffffffff", time.Hour)
	foreign, _, err := other.Issue("user-1")
	require.NoError(t, err)

	expired := NewTokens(secret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, err := expired.Issue("user-1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong secret", foreign},
		{"expired", old},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(tt.token)
			require.ErrorIs(t, err, apperr.ErrUnauthorized)
		})
	}
}
