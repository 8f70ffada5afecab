package swarm

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"
)

// nextProto is the QUIC ALPN identifier for this overlay's transport,
// analogous to the teacher's "web4-quic".
const nextProto = "swarmcensus-quic/1"

// zeroReader is a deterministic entropy source for the self-signed dev
// certificate below, exactly as the teacher's own devTLSCert uses one: the
// certificate authenticates nothing on its own (spec §1's Non-goal of
// confidentiality/authentication belongs to the gossip signatures, not the
// transport), it only lets QUIC's handshake complete against an unknown DHT
// peer.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devCert generates the same deterministic self-signed certificate on every
// node so that a client configured to trust it (rather than the public CA
// pool) can validate any other node's listener without out-of-band
// distribution — the overlay has no PKI of its own, and integrity of gossip
// content is already provided end-to-end by Ed25519 signatures (spec §1).
func devCert() (tls.Certificate, *x509.Certificate, error) {
	seed := sha256.Sum256([]byte("swarmcensus-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, cert, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{nextProto}}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, cert, err := devCert()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{nextProto}}, nil
}
