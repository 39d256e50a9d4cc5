package gateway

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// App Store appAccountToken values carry our hex user ids in a reversible,
// length-prefixed layout: [2 hex digits: length][user id][padding 'a' to 32].
const (
	tokenHexLen     = 32
	maxUserIDHexLen = 30
	tokenPad        = "a"
)

// UserIDToUUID encodes a hex user id as an appAccountToken.
func UserIDToUUID(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is empty")
	}
	normalized := strings.ToLower(userID)
	if !isHex(normalized) {
		return "", fmt.Errorf("user id %q is not valid hex", userID)
	}
	if len(normalized) > maxUserIDHexLen {
		return "", fmt.Errorf("hex string too long: max length is %d", maxUserIDHexLen)
	}
	raw := fmt.Sprintf("%02x%s", len(normalized), normalized)
	raw += strings.Repeat(tokenPad, tokenHexLen-len(raw))
	return raw[:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:], nil
}

// UUIDToUserID decodes an appAccountToken produced by UserIDToUUID.
func UUIDToUserID(token string) (string, error) {
	raw := strings.ToLower(strings.ReplaceAll(token, "-", ""))
	if len(raw) != tokenHexLen || !isHex(raw) {
		return "", fmt.Errorf("invalid uuid format")
	}
	n, err := strconv.ParseUint(raw[:2], 16, 8)
	if err != nil || n == 0 || n > maxUserIDHexLen {
		return "", fmt.Errorf("uuid is not encoded by known user id scheme")
	}
	end := 2 + int(n)
	if strings.Trim(raw[end:], tokenPad) != "" {
		return "", fmt.Errorf("uuid is not encoded by known user id scheme")
	}
	return raw[2:end], nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
