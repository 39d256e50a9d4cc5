package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccountToken_RoundTrip(t *testing.T) {
	for _, userID := range []string{"1234567890", "a1bcdef234", "ff"} {
		token, err := UserIDToUUID(userID)
		require.NoError(t, err)
		require.Len(t, token, 36)

		decoded, err := UUIDToUserID(token)
		require.NoError(t, err)
		require.Equal(t, userID, decoded)
	}
}

func TestAccountToken_Rejects(t *testing.T) {
	_, err := UserIDToUUID("not-hex")
	require.Error(t, err)

	// random v4 uuid, not produced by the length-prefixed scheme
	_, err = UUIDToUserID("4b825dc6-5f3b-4f8e-b9d6-4f4f2d8c1122")
	require.Error(t, err)

	// legacy layout: left padded with 'a', no length prefix
	_, err = UUIDToUserID("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaa1234")
	require.Error(t, err)
}
