package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndComparePassword(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct horse")
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$argon2id$"))

	ok, err := ComparePassword("correct horse", hash)
	req.NoError(err)
	req.True(ok)

	ok, err = ComparePassword("wrong horse", hash)
	req.NoError(err)
	req.False(ok)
}

func TestHashPasswordSalts(t *testing.T) {
	req := require.New(t)
	a, err := HashPassword("same")
	req.NoError(err)
	b, err := HashPassword("same")
	req.NoError(err)
	req.NotEqual(a, b)
}

func TestComparePasswordBadFormat(t *testing.T) {
	for _, h := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=19$m=x$salt$hash"} {
		_, err := ComparePassword("pw", h)
		require.Error(t, err, h)
	}
}
