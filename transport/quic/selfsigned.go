package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ErrFingerprintMismatch is returned during the TLS handshake when the
// server's certificate does not match the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("quic: server certificate fingerprint mismatch")

// GenerateTLS creates a server tls.Config backed by a fresh self-signed
// ECDSA P-256 certificate valid for the given duration, returning the
// certificate's SHA-256 fingerprint so clients can pin it.
func GenerateTLS(validity time.Duration) (*tls.Config, [32]byte, error) {
	var fp [32]byte

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fp, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fp, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // slight backdate for clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "cadence"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fp, fmt.Errorf("create certificate: %w", err)
	}
	fp = sha256.Sum256(certDER)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{ALPN},
	}, fp, nil
}

// ClientTLS returns a client tls.Config that accepts exactly the server
// certificate with the given SHA-256 fingerprint, regardless of CA chain.
func ClientTLS(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			if sha256.Sum256(rawCerts[0]) != fingerprint {
				return ErrFingerprintMismatch
			}
			return nil
		},
	}
}

// InsecureClientTLS returns a client tls.Config that accepts any server
// certificate. Development use only.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
}
