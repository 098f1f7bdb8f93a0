package registry

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const roomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var roomIDPattern = regexp.MustCompile(`^[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}$`)

// GenerateRoomID returns a fresh room ID: 12 random lowercase alphanumeric
// characters grouped as xxxx-xxxx-xxxx. Randomness comes from crypto/rand so
// IDs are not guessable.
func GenerateRoomID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	chars := make([]byte, 0, 14)
	for i, b := range buf {
		if i == 4 || i == 8 {
			chars = append(chars, '-')
		}
		chars = append(chars, roomIDAlphabet[int(b)%len(roomIDAlphabet)])
	}
	return string(chars), nil
}

// NormalizeRoomID trims whitespace and lowercases an ID as received from a
// client. Callers validate the result separately.
func NormalizeRoomID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidRoomID reports whether id is a well-formed room ID. It does not
// normalize; pass IDs through NormalizeRoomID first.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}
