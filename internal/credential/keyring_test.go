package credential

import (
	"context"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/sync/transport"
)

var _ transport.TokenSource = (*TokenSource)(nil)

func newStore() *Store {
	return NewStore(keyring.NewArrayKeyring(nil))
}

func TestStore_setGetDelete(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Set("api-token", "secret"))
	got, err := s.Get("api-token")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	require.NoError(t, s.Set("api-token", "rotated"))
	got, err = s.Get("api-token")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got)

	require.NoError(t, s.Delete("api-token"))
	_, err = s.Get("api-token")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	assert.NoError(t, s.Delete("api-token"))
}

func TestStore_emptyKey(t *testing.T) {
	err := newStore().Set("", "secret")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestTokenSource(t *testing.T) {
	s := newStore()
	ts := s.TokenSource("api-token")
	ctx := context.Background()

	_, err := ts.Token(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, s.Set("api-token", "secret"))
	token, err := ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", token)

	// Replacing the token is picked up without rebuilding the source.
	require.NoError(t, s.Set("api-token", "rotated"))
	token, err = ts.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ts.Token(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
