package segment

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// TokenLen is the length of an encoded session token.
const TokenLen = 32

// NewToken mints a session token: 8 bytes of wall clock time followed by 16
// random bytes, URL-safe base64 encoded. Uniqueness rests on the random part;
// the time prefix is not relied on for ordering.
func NewToken() (string, error) {
	var raw [24]byte
	binary.BigEndian.PutUint64(raw[:8], uint64(time.Now().UnixNano()))
	if _, err := rand.Read(raw[8:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw[:]), nil
}

// ValidToken reports whether s has the shape of a token minted by NewToken.
func ValidToken(s string) bool {
	if len(s) != TokenLen {
		return false
	}
	b, err := base64.URLEncoding.DecodeString(s)
	return err == nil && len(b) == 24
}
