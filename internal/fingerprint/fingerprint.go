// Package fingerprint implements FingerprintMint: stable per-account
// device identity, regenerated only on demand after repeated capacity
// failures.
package fingerprint

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/agpool/agpool/internal/pool"
)

// Mint produces a deterministic-per-call fingerprint. Callers store the
// result on the Account the first time and only call Mint again in
// response to Regenerate.
func Mint(accountIndex int) *pool.Fingerprint {
	return &pool.Fingerprint{
		DeviceID:  newDeviceID(),
		QuotaUser: newQuotaUser(accountIndex),
	}
}

// Regenerate mints a fresh fingerprint, discarding the prior one. Called
// by AccountManager.RegenerateFingerprint after repeated MODEL_CAPACITY_
// EXHAUSTED failures exhaust the same-endpoint retry budget.
func Regenerate(accountIndex int) *pool.Fingerprint {
	return Mint(accountIndex)
}

func newDeviceID() string {
	// uuid.NewRandom gives us a RFC 4122 v4 UUID; its 16 raw bytes hex-
	// encode to a 32-character opaque identifier.
	id, err := uuid.NewRandom()
	if err != nil {
		var b [16]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return hex.EncodeToString(id[:])
}

func newQuotaUser(accountIndex int) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("acct-%d-%s", accountIndex, hex.EncodeToString(b[:]))
}
