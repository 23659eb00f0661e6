package shimconn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"time"
)

// alpnProtocol is the single ALPN value both sides of a shim connection
// negotiate; a mismatch here means something other than this module's own
// shim dialed in.
const alpnProtocol = "rdpmux-shim-v1"

// certLifetime bounds how long a generated listener certificate is valid.
// Listener restarts generate a new one, so this is a ceiling on a single
// process's uptime before the cert itself would need reissuing, not a
// rotation schedule this package implements.
const certLifetime = 24 * time.Hour

// generateSelfSignedCert mints a throwaway ECDSA P256 certificate for the
// shim-facing listener, held only in memory for the life of the process.
// Trust in this connection comes entirely from the passkey HMAC exchanged
// over it (internal/shimauth) rather than from certificate validation, so
// the cert's only job is to get TLS 1.3 running — there is no CA to chain
// to and none is needed.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Minute), // tolerate some clock skew with the dialing shim
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// serverTLSConfig builds the listener-side TLS config around cert.
func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig builds the dialer-side TLS config a shim would use to
// connect to Listen. Exported because this module has no real shim to
// exercise it with — shimconn_test.go dials with it to stand in for one.
// InsecureSkipVerify is deliberate: a shim has no certificate chain to
// verify the listener against, only the HMAC token it presents after the
// handshake.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}
