package utils

import (
	cryptoRand "crypto/rand"
	"encoding/hex"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

func TokenHex(len int) string {
	b := make([]byte, len)
	_, err := cryptoRand.Read(b)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// NewID returns a 24-hex entity identifier.
func NewID() string {
	return TokenHex(12)
}

// IsValidID reports whether s is a well-formed 24-hex identifier.
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}
