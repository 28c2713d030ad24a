package secretbox_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ebrett/jupiter-sub001/internal/secretbox"
)

func TestBoxSealOpen(t *testing.T) {
	box, err := secretbox.New("correct horse battery staple", "salt")
	require.NoError(t, err)

	sealed, err := box.Seal("refresh-token-value")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "v1:"))
	require.NotContains(t, sealed, "refresh-token-value")

	again, err := box.Seal("refresh-token-value")
	require.NoError(t, err)
	require.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "refresh-token-value", plain)
}

func TestBoxRejectsForeignKeyAndGarbage(t *testing.T) {
	a, err := secretbox.New("key-a", "salt")
	require.NoError(t, err)
	b, err := secretbox.New("key-b", "salt")
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	require.Error(t, err)

	_, err = a.Open("plaintext")
	require.Error(t, err)

	_, err = secretbox.New(" ", "salt")
	require.Error(t, err)
}
