package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssuer(t *testing.T) {
	issuer := NewIssuer("secret", "chat-devserver", time.Hour)

	token, err := issuer.Issue("u1")
	require.NoError(t, err)

	sub, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u1", sub)

	id, err := ParticipantID(token)
	require.NoError(t, err)
	require.Equal(t, "u1", id)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewIssuer("other", "chat-devserver", time.Hour).Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := NewIssuer("secret", "elsewhere", time.Hour).Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		short := &Issuer{secret: []byte("secret"), issuer: "chat-devserver", ttl: -time.Minute}
		stale, err := short.Issue("u1")
		require.NoError(t, err)

		_, err = issuer.Verify(stale)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParticipantID("not-a-token")
		require.Error(t, err)
	})
}
