// Package security holds the pure, deterministic cryptographic primitives
// the gossip protocol is built on: proof-of-work verification and Ed25519
// signature verification over the narrow "seq:<n>" signing domain. These
// functions never touch the network or the filesystem and never panic —
// every failure mode (malformed key, malformed signature, hash mismatch)
// collapses to a boolean, the way the teacher's own Verify/VerifyDigest
// primitives do (internal/crypto/crypto.go in the retrieved pack).
package security

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"strconv"
)

// POWPrefix is the required hex prefix of SHA-256(id || decimal(nonce)).
// Four hex characters average ~65k hashes to mine (spec §4.1).
const POWPrefix = "0000"

// SigningDomain returns the exact ASCII bytes a HEARTBEAT signature covers:
// "seq:" + decimal(seq). Hop count and location are deliberately outside
// this domain (spec §3).
func SigningDomain(seq uint64) []byte {
	return []byte("seq:" + strconv.FormatUint(seq, 10))
}

// powDigestHex computes hex(SHA-256(id || decimal(nonce))) — the value
// whose prefix is checked against POWPrefix.
func powDigestHex(id []byte, nonce uint64) string {
	h := sha256.New()
	h.Write(id)
	h.Write([]byte(strconv.FormatUint(nonce, 10)))
	sum := h.Sum(nil)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

// VerifyPoW recomputes SHA-256(id || decimal(nonce)) and reports whether its
// hex encoding begins with POWPrefix.
func VerifyPoW(id []byte, nonce uint64) bool {
	digest := powDigestHex(id, nonce)
	if len(digest) < len(POWPrefix) {
		return false
	}
	return digest[:len(POWPrefix)] == POWPrefix
}

// MineNonce performs the linear scan from zero that generateIdentity relies
// on (spec §4.1). It terminates with probability 1; callers needing a hard
// ceiling should wrap this in their own loop bound.
func MineNonce(id []byte) uint64 {
	for nonce := uint64(0); ; nonce++ {
		if VerifyPoW(id, nonce) {
			return nonce
		}
	}
}

// Sign signs the "seq:<n>" signing domain with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, seq uint64) []byte {
	return ed25519.Sign(priv, SigningDomain(seq))
}

// VerifySignature reports whether sig is a valid Ed25519 signature of
// "seq:<seq>" under the public key recoverable from a DER-SPKI encoded
// public key. It never panics: any malformed input is a false result.
func VerifySignature(spkiPub []byte, seq uint64, sig []byte) bool {
	pub, ok := ParseEd25519SPKI(spkiPub)
	if !ok {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, SigningDomain(seq), sig)
}

// ParseEd25519SPKI recovers an Ed25519 public key from its DER-encoded SPKI
// form (the same encoding used to derive the wire "id"). Returns ok=false on
// any parse error or key-type mismatch rather than an error value, matching
// the teacher's "verification primitives fail closed, never loudly" idiom.
func ParseEd25519SPKI(der []byte) (ed25519.PublicKey, bool) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, false
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return nil, false
	}
	return pub, true
}
