// Package approval issues and validates cryptographically signed execution
// authorizations. Every transition out of "not yet approved" is mediated
// here; approval and signature failures are fail-closed security events.
package approval

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Signer is the signing collaborator. The engine never holds key material
// beyond this call boundary.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Public() ed25519.PublicKey
}

// LocalSigner holds an ed25519 key pair on local disk. Production
// deployments substitute a remote signing service behind the same interface.
type LocalSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewLocalSigner generates a fresh ephemeral key pair.
func NewLocalSigner() (*LocalSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &LocalSigner{priv: priv, pub: pub}, nil
}

// LoadOrCreateSigner loads the key from homeDir, creating one on first run.
func LoadOrCreateSigner(homeDir string) (*LocalSigner, error) {
	keyPath := filepath.Join(homeDir, "signing.key")
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: bad seed length %d", keyPath, len(raw))
		}
		priv := ed25519.NewKeyFromSeed(raw)
		return &LocalSigner{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return &LocalSigner{priv: priv, pub: pub}, nil
}

func (s *LocalSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

func (s *LocalSigner) Public() ed25519.PublicKey {
	return s.pub
}
