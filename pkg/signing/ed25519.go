package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/roastops/roastd/pkg/models"
)

// Mode selects the signing behavior for outbound envelopes and the
// verification behavior for inbound ones.
type Mode string

// Signing modes.
const (
	ModeOff     Mode = "off"
	ModeEd25519 Mode = "ed25519"
)

// ErrBadSignature is returned when an envelope's signature does not verify
// against its canonical bytes.
var ErrBadSignature = errors.New("signing: signature verification failed")

// ErrUnknownKid is returned when no public key is registered for the
// envelope's key id.
var ErrUnknownKid = errors.New("signing: unknown key id")

// Signer signs outbound envelopes with a fixed key id.
type Signer struct {
	mode Mode
	kid  string
	priv ed25519.PrivateKey
}

// NewSigner builds a signer. In ModeOff the returned signer passes envelopes
// through untouched. privateKeyB64 is the base64 (std encoding) of either a
// 32-byte seed or a 64-byte Ed25519 private key.
func NewSigner(mode Mode, kid, privateKeyB64 string) (*Signer, error) {
	if mode == ModeOff {
		return &Signer{mode: ModeOff}, nil
	}
	if mode != ModeEd25519 {
		return nil, fmt.Errorf("signing: unknown mode %q", mode)
	}
	if kid == "" {
		return nil, fmt.Errorf("signing: kid is required in ed25519 mode")
	}
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("signing: decoding private key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("signing: private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Signer{mode: ModeEd25519, kid: kid, priv: priv}, nil
}

// PublicKey returns the signer's public key, or nil in ModeOff.
func (s *Signer) PublicKey() ed25519.PublicKey {
	if s.mode == ModeOff {
		return nil
	}
	return s.priv.Public().(ed25519.PublicKey)
}

// Kid returns the signer's key id.
func (s *Signer) Kid() string { return s.kid }

// Sign populates kid and sig on a copy of the envelope. In ModeOff the
// envelope is returned unchanged.
func (s *Signer) Sign(env models.TelemetryEnvelope) (models.TelemetryEnvelope, error) {
	if s.mode == ModeOff {
		return env, nil
	}
	env.Kid = s.kid
	env.Sig = ""
	canonical, err := CanonicalEnvelopeBytes(env)
	if err != nil {
		return env, err
	}
	env.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, canonical))
	return env, nil
}

// Verifier checks inbound envelope signatures against a key registry.
type Verifier struct {
	mode Mode
	keys map[string]ed25519.PublicKey
}

// NewVerifier builds a verifier over a kid → public key registry. In ModeOff
// every envelope verifies.
func NewVerifier(mode Mode, keys map[string]ed25519.PublicKey) *Verifier {
	return &Verifier{mode: mode, keys: keys}
}

// Verify recomputes the canonical bytes and checks the signature. Envelopes
// whose recomputed canonical form differs from the signed form fail here,
// which is the property the canonical encoding exists to guarantee.
func (v *Verifier) Verify(env models.TelemetryEnvelope) error {
	if v.mode == ModeOff {
		return nil
	}
	pub, ok := v.keys[env.Kid]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKid, env.Kid)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	if err != nil {
		return fmt.Errorf("signing: decoding sig: %w", err)
	}
	canonical, err := CanonicalEnvelopeBytes(env)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return ErrBadSignature
	}
	return nil
}
