// Package bootstrap implements the three-phase peer-discovery coordinator:
// cached peers, a Feistel-permuted IPv4 sweep, and the DHT fallback. The
// HKDF-SHA-256 round-key derivation here is grounded on the pack's own
// PSK-to-key derivation (dep2p-go-dep2p's internal/realm/auth/psk.go
// DeriveAuthKey), adapted from a single 32-byte key to four 8-byte Feistel
// round keys.
package bootstrap

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/bits"

	"golang.org/x/crypto/hkdf"
)

const feistelInfo = "feistel-ipv4-scan"

// roundKeys holds the four 8-byte keys the round function mixes with.
type roundKeys [4][8]byte

// deriveRoundKeys expands seed into four round keys via HKDF-SHA256 with
// info "feistel-ipv4-scan", reading 32 output bytes split into four 8-byte
// keys (spec §4.5).
func deriveRoundKeys(seed []byte) roundKeys {
	kdf := hkdf.New(sha256.New, seed, nil, []byte(feistelInfo))
	var out [32]byte
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		// hkdf.New's Reader only fails once its expansion limit (255 *
		// hash size) is exhausted; 32 bytes never reaches that, so this
		// path is unreachable in practice.
		panic("bootstrap: hkdf expansion failed: " + err.Error())
	}
	var rk roundKeys
	for i := 0; i < 4; i++ {
		copy(rk[i][:], out[i*8:(i+1)*8])
	}
	return rk
}

// feistelPermute applies the 4-round Feistel network of spec §4.5 to a
// 32-bit counter value, producing the pseudorandom address the counter
// maps to. The construction is a bijection on [0, 2^32): every counter
// value maps to a distinct address.
func feistelPermute(counter uint32, rk roundKeys) uint32 {
	return feistelPermuteWidth(counter, rk, 16)
}

// feistelPermuteWidth is feistelPermute generalized to an arbitrary half
// width, so the round logic itself — not a reimplementation of it — can be
// exhaustively checked for the bijection property over a small domain
// (feistel_test.go's TestFeistelBijectionOverReducedDomain uses
// halfBits=8, a 16-bit domain, in milliseconds instead of feistelPermute's
// full 2^32 cycle).
func feistelPermuteWidth(counter uint32, rk roundKeys, halfBits uint) uint32 {
	mask := uint32(1)<<halfBits - 1
	left := (counter >> halfBits) & mask
	right := counter & mask
	for round := 0; round < 4; round++ {
		k0 := binary.BigEndian.Uint32(rk[round][0:4])
		k1 := binary.BigEndian.Uint32(rk[round][4:8])
		// F is applied to the half that passes through this round
		// unchanged (left, which becomes newRight below); applying it to
		// the half being replaced instead makes the round non-invertible.
		mix := roundFunction(expandHalf(left, halfBits), k0, k1)
		newLeft := (right ^ mix) & mask
		newRight := left
		left, right = newLeft, newRight
	}
	return left<<halfBits | right
}

// expandHalf tiles a halfBits-wide value across all 32 bits, giving
// roundFunction's rotate-by-7/rotate-by-13 something to mix beyond the
// low halfBits of an otherwise mostly-zero word.
func expandHalf(v uint32, halfBits uint) uint32 {
	x := v
	for shift := halfBits; shift < 32; shift += halfBits {
		x |= v << shift
	}
	return x
}

// roundFunction computes F(x, k) = ((((x XOR k0) <<< 7) XOR k1) <<< 13),
// operating on the 32-bit expansion of the round's preserved half (spec
// §4.5).
func roundFunction(x, k0, k1 uint32) uint32 {
	v := bits.RotateLeft32(x^k0, 7)
	v = bits.RotateLeft32(v^k1, 13)
	return v
}

// addrFromUint32 renders a 32-bit value as dotted-quad IPv4.
func addrFromUint32(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// isRoutable reports whether addr should be probed: not loopback,
// private, link-local, multicast, or reserved (spec §4.5 "Address
// filter").
func isRoutable(a [4]byte) bool {
	switch {
	case a[0] == 127: // 127/8 loopback
		return false
	case a[0] == 10: // 10/8 private
		return false
	case a[0] == 172 && a[1] >= 16 && a[1] <= 31: // 172.16/12 private
		return false
	case a[0] == 192 && a[1] == 168: // 192.168/16 private
		return false
	case a[0] == 169 && a[1] == 254: // 169.254/16 link-local
		return false
	case a[0] >= 224 && a[0] <= 239: // 224/4 multicast
		return false
	case a[0] >= 240: // 240/4 reserved
		return false
	default:
		return true
	}
}

// Sweeper enumerates routable IPv4 addresses in a deterministic,
// seed-dependent pseudorandom order with O(1) state — a 32-bit counter
// plus the derived round keys (spec §4.5 "Enumeration").
type Sweeper struct {
	rk      roundKeys
	counter uint32
	wrapped bool
}

// NewSweeper derives round keys from seed. The same seed always produces
// the same address sequence (spec property P8).
func NewSweeper(seed []byte) *Sweeper {
	return &Sweeper{rk: deriveRoundKeys(seed)}
}

// Next returns the next candidate address and advances the counter. ok is
// false once the counter has wrapped back to 0, signaling a complete
// cycle of the address space.
func (s *Sweeper) Next() (addr [4]byte, ok bool) {
	if s.wrapped {
		return [4]byte{}, false
	}
	addr = addrFromUint32(feistelPermute(s.counter, s.rk))
	s.counter++
	if s.counter == 0 {
		s.wrapped = true
	}
	return addr, true
}

// NextRoutable is Next filtered by isRoutable, skipping addresses in
// reserved ranges.
func (s *Sweeper) NextRoutable() (addr [4]byte, ok bool) {
	for {
		addr, ok = s.Next()
		if !ok {
			return addr, false
		}
		if isRoutable(addr) {
			return addr, true
		}
	}
}
