// Package identity generates and persists the process's Ed25519 keypair and
// its proof-of-work-bound peer id, grounded on the teacher's own
// GenKeypair/SaveKeypair/LoadKeypair idiom (internal/crypto/crypto.go in the
// retrieved pack) but generalized from RSA-4096 to Ed25519 per the wire
// protocol's PoW-bound identity scheme.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lklynet/swarmcensus/internal/security"
)

// Identity is immutable for the lifetime of the process (spec §3).
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	// ID is hex(DER-encoded SPKI of PublicKey) — the peer identifier on the
	// wire.
	ID string
	// SPKI is the raw DER bytes ID was derived from; kept around so the
	// registry doesn't need to re-marshal the key to recompute it.
	SPKI []byte
	// Nonce satisfies SHA-256(ID || decimal(Nonce)) having the PoW prefix.
	Nonce uint64
}

const (
	pubFile   = "identity_pub.hex"
	privFile  = "identity_priv.hex"
	nonceFile = "identity_nonce"
)

// Generate mines a fresh Ed25519 keypair and proof-of-work nonce. Expected
// work is ~16^len(prefix) hashes; with the default 4-hex-char prefix that
// averages ~65k hashes, a small one-time startup cost (spec §4.1). The PoW
// search itself never fails (it terminates with probability 1); an error
// is returned only if key generation or SPKI marshaling fails.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return fromKeypair(pub, priv)
}

func fromKeypair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal spki public key: %w", err)
	}
	id := hex.EncodeToString(der)
	nonce := security.MineNonce([]byte(id))
	return &Identity{
		PublicKey:  pub,
		PrivateKey: priv,
		ID:         id,
		SPKI:       der,
		Nonce:      nonce,
	}, nil
}

// Sign signs "seq:<seq>" — the protocol's narrow HEARTBEAT signing domain.
func (idn *Identity) Sign(seq uint64) []byte {
	return security.Sign(idn.PrivateKey, seq)
}

// LoadOrGenerate loads a persisted identity from dir if present, otherwise
// mines a fresh one and persists it (unless persist is false, for
// ephemeral/test runs). Persistence is optional: spec's Non-goals exclude
// durable *gossip* state across restarts, not identity reuse.
func LoadOrGenerate(dir string, persist bool) (*Identity, error) {
	idn, err := Load(dir)
	if err == nil {
		return idn, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	idn, err = Generate()
	if err != nil {
		return nil, err
	}
	if persist {
		if err := Save(dir, idn); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
	}
	return idn, nil
}

// Load reads a previously persisted identity from dir.
func Load(dir string) (*Identity, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, err
	}
	nonceHex, err := os.ReadFile(filepath.Join(dir, nonceFile))
	if err != nil {
		return nil, err
	}
	der, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, fmt.Errorf("bad %s", pubFile)
	}
	privBytes, err := hex.DecodeString(string(privHex))
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad %s", privFile)
	}
	var nonce uint64
	if _, err := fmt.Sscanf(string(nonceHex), "%d", &nonce); err != nil {
		return nil, fmt.Errorf("bad %s", nonceFile)
	}
	pub, ok := security.ParseEd25519SPKI(der)
	if !ok {
		return nil, fmt.Errorf("stored public key is not a valid ed25519 spki")
	}
	id := hex.EncodeToString(der)
	if !security.VerifyPoW([]byte(id), nonce) {
		return nil, fmt.Errorf("stored identity fails proof-of-work check")
	}
	return &Identity{
		PublicKey:  pub,
		PrivateKey: ed25519.PrivateKey(privBytes),
		ID:         id,
		SPKI:       der,
		Nonce:      nonce,
	}, nil
}

// Save persists an identity to dir so the process reuses the same id (and
// the PoW it already paid for) across restarts.
func Save(dir string, idn *Identity) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(idn.SPKI)), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(idn.PrivateKey)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, nonceFile), []byte(fmt.Sprintf("%d", idn.Nonce)), 0600)
}
