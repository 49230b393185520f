// Package common provides shared utilities used across CLI, server, and
// worker packages.
package common

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Key prefixes for the two keyed entities.
const (
	TicketKeyPrefix = "TKT"
	EpicKeyPrefix   = "EP"
)

// ErrInvalidTicketKey is returned when a ticket key doesn't match TKT-<8 hex>.
var ErrInvalidTicketKey = errors.New("invalid ticket key format (expected TKT-XXXXXXXX)")

// ErrInvalidEpicKey is returned when an epic key doesn't match EP-<8 hex>.
var ErrInvalidEpicKey = errors.New("invalid epic key format (expected EP-XXXXXXXX)")

var (
	ticketKeyRegex = regexp.MustCompile(`^TKT-[0-9A-F]{8}$`)
	epicKeyRegex   = regexp.MustCompile(`^EP-[0-9A-F]{8}$`)
)

// NewTicketKey generates a fresh ticket key: "TKT-" plus 8 upper-case hex
// characters from crypto/rand.
func NewTicketKey() string {
	return TicketKeyPrefix + "-" + randomHex8()
}

// NewEpicKey generates a fresh epic key.
func NewEpicKey() string {
	return EpicKeyPrefix + "-" + randomHex8()
}

// NewClaimToken generates a 128-bit random claim token as 32 lower-case hex
// characters. The token never appears in logs or events.
func NewClaimToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

func randomHex8() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

// NormalizeTicketKey upper-cases and validates a ticket key from user or
// API input. Returns ErrInvalidTicketKey on bad format.
func NormalizeTicketKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !ticketKeyRegex.MatchString(key) {
		return "", ErrInvalidTicketKey
	}
	return key, nil
}

// NormalizeEpicKey upper-cases and validates an epic key.
func NormalizeEpicKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !epicKeyRegex.MatchString(key) {
		return "", ErrInvalidEpicKey
	}
	return key, nil
}

// BranchSlug builds a git-safe slug from a ticket title: lower-case,
// non-alphanumerics collapsed to single hyphens, trimmed to maxLen.
func BranchSlug(title string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if maxLen > 0 && len(slug) > maxLen {
		slug = strings.Trim(slug[:maxLen], "-")
	}
	return slug
}

// BranchName builds the default branch name for a ticket:
// gantry/tkt-xxxxxxxx-short-title.
func BranchName(ticketKey, title string) string {
	key := strings.ToLower(ticketKey)
	slug := BranchSlug(title, 40)
	if slug == "" {
		return "gantry/" + key
	}
	return "gantry/" + key + "-" + slug
}
