// Package signature authenticates inbound messages from the relay with an
// HMAC-SHA256 over the raw message bytes.
//
// The shared secret is always the raw UTF-8 bytes of the configured value.
// It is never hex- or base64-decoded.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// Size is the length in bytes of a decoded signature.
const Size = sha256.Size

var (
	// ErrMissingSignature is returned when the inbound message carries no signature.
	ErrMissingSignature = errors.New("missing signature")

	// ErrMissingSecret is returned when no secret is configured.
	ErrMissingSecret = errors.New("missing secret")

	// ErrInvalidSignature is returned when the signature is malformed or does not match.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Secret holds HMAC key material sealed in an encrypted memguard enclave.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals key in an enclave. The caller's slice is wiped.
func NewSecret(key []byte) (*Secret, error) {
	if len(key) == 0 {
		return nil, ErrMissingSecret
	}
	enclave := memguard.NewEnclave(key)
	if enclave == nil {
		return nil, ErrMissingSecret
	}
	return &Secret{enclave: enclave}, nil
}

// LoadSecret resolves the secret from an inline value or, when value is
// empty, from the contents of file. A single trailing newline in the file is
// ignored. There is no fallback: if both are empty ErrMissingSecret is
// returned.
func LoadSecret(value, file string) (*Secret, error) {
	if value != "" {
		return NewSecret([]byte(value))
	}
	if file == "" {
		return nil, ErrMissingSecret
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	return NewSecret(data)
}

// mac computes the HMAC of payload with the sealed key. The key is only
// unsealed for the duration of the call.
func (s *Secret) mac(payload []byte) ([]byte, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open secret enclave: %w", err)
	}
	defer buf.Destroy()
	return Sign(payload, buf.Bytes()), nil
}

// Sign returns the HMAC-SHA256 of payload under key.
func Sign(payload, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return h.Sum(nil)
}

// Valid reports whether sig is the HMAC-SHA256 of payload under key. The
// comparison runs in constant time.
func Valid(payload, sig, key []byte) bool {
	if len(sig) != Size {
		return false
	}
	return hmac.Equal(Sign(payload, key), sig)
}

// Encode renders a binary signature in the transport encoding (standard base64).
func Encode(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// Verifier checks transport-encoded signatures against a configured secret.
type Verifier struct {
	secret *Secret
}

// NewVerifier creates a Verifier. A nil secret makes every Verify call fail
// with ErrMissingSecret.
func NewVerifier(secret *Secret) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks that encoded is the base64 HMAC-SHA256 of payload. It returns
// nil only for an authentic payload.
func (v *Verifier) Verify(payload []byte, encoded string) error {
	if v == nil || v.secret == nil {
		return ErrMissingSecret
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return ErrMissingSignature
	}

	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: not valid base64", ErrInvalidSignature)
	}
	if len(sig) != Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSignature, len(sig), Size)
	}

	expected, err := v.secret.mac(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, sig) {
		return ErrInvalidSignature
	}
	return nil
}
