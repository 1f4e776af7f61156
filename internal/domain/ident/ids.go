// Package ident mints opaque prefixed identifiers and hashes API keys.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ID prefixes. The alphabet and lengths are part of the wire contract and
// must not change without a schema version bump.
const (
	AgentPrefix   = "agent-"
	PolicyPrefix  = "policy-"
	RulePrefix    = "rule-"
	MandatePrefix = "mnd-"
	APIKeyPrefix  = "sk-"
)

const (
	idLength     = 12
	apiKeyLength = 32
)

// urlAlphabet is the URL-safe base64 alphabet used for all minted identifiers.
const urlAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// NewAgentID returns a fresh agent identifier ("agent-" + 12 chars).
func NewAgentID() string { return AgentPrefix + randomChars(idLength) }

// NewPolicyID returns a fresh policy identifier ("policy-" + 12 chars).
func NewPolicyID() string { return PolicyPrefix + randomChars(idLength) }

// NewRuleID returns a fresh rule identifier ("rule-" + 12 chars).
func NewRuleID() string { return RulePrefix + randomChars(idLength) }

// NewMandateID returns a fresh mandate identifier ("mnd-" + 12 chars).
func NewMandateID() string { return MandatePrefix + randomChars(idLength) }

// NewAPIKey returns a fresh API key ("sk-" + 32 chars). The raw key is
// returned to the caller exactly once; only its hash is ever stored.
func NewAPIKey() string { return APIKeyPrefix + randomChars(apiKeyLength) }

// HashKey returns the SHA-256 hex hash of a raw API key (64 lowercase hex chars).
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// randomChars returns n characters drawn uniformly from urlAlphabet using
// crypto/rand. The alphabet has 64 entries so a byte modulo 64 is unbiased.
func randomChars(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; treat failure as fatal.
		panic(fmt.Sprintf("ident: crypto/rand read failed: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = urlAlphabet[int(b)%len(urlAlphabet)]
	}
	return string(out)
}
