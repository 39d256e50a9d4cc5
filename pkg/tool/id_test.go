package tool

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDV7(t *testing.T) {
	id, err := uuid.Parse(GenerateUUIDV7())
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())
}

func TestGenerateRedeemKey(t *testing.T) {
	a, b := GenerateRedeemKey(), GenerateRedeemKey()
	require.Len(t, a, 16)
	require.NotEqual(t, a, b)
	require.Regexp(t, `^[0-9A-F]{16}$`, a)
}
