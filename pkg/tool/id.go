package tool

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// GenerateRedeemKey returns a 16 character upper-case key for gift links.
func GenerateRedeemKey() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
