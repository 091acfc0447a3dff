package session

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
)

const (
	RoomCodeLength = 6

	// roomCodeChars leaves out characters that are easy to confuse when read aloud.
	roomCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewRoomCode returns a random room code that exists reports as unused.
// A nil exists accepts the first code generated.
func NewRoomCode(exists func(string) bool) string {
	for {
		code := make([]byte, RoomCodeLength)
		for i := range code {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeChars))))
			if err != nil {
				code[i] = roomCodeChars[mrand.IntN(len(roomCodeChars))]
				continue
			}
			code[i] = roomCodeChars[n.Int64()]
		}
		if exists == nil || !exists(string(code)) {
			return string(code)
		}
	}
}

// ValidRoomCode reports whether code is usable as a room code. Generated codes
// avoid ambiguous characters, but any 4 to 16 upper case letters or digits are
// accepted.
func ValidRoomCode(code string) bool {
	if len(code) < 4 || len(code) > 16 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
