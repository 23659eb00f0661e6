// Package shimauth authenticates a shim's connection to the multiplexer.
// A pre-shared passkey is never sent on the wire; instead the shim proves
// knowledge of it by HMAC-signing material exported from the already
// established TLS session, binding the proof to that specific connection.
package shimauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
)

// PasskeySize is the length, in bytes, of a generated passkey.
const PasskeySize = 32

// exporterLabel is the TLS keying-material export label shim and
// multiplexer must agree on; it has no meaning beyond namespacing this
// export from any other use of the same TLS session.
const exporterLabel = "rdpmux-shim-auth-v1"

// ExporterLabel returns the TLS exporter label used to derive auth
// material, so callers on both ends of the handshake use the same value.
func ExporterLabel() string { return exporterLabel }

// GeneratePasskey returns a cryptographically random passkey, shared
// out-of-band between the multiplexer and the shims it accepts.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ComputeAuthToken computes HMAC-SHA256(passkey, exporterMaterial). The
// exporter material should come from tls.ConnectionState.ExportKeyingMaterial
// using ExporterLabel, binding the token to the specific TLS session.
func ComputeAuthToken(passkey, exporterMaterial []byte) [32]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var token [32]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks that token matches the expected
// HMAC-SHA256(passkey, exporterMaterial), in constant time.
func VerifyAuthToken(passkey, exporterMaterial []byte, token [32]byte) bool {
	expected := ComputeAuthToken(passkey, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}
