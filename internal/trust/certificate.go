package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Key wraps an ed25519 keypair used to issue certificates and sign
// session handshakes.
type Key struct {
	private ed25519.PrivateKey
}

// GenerateKey creates a fresh ed25519 keypair.
func GenerateKey() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Key{private: priv}, nil
}

// LoadKey reads a base64-encoded private key from a file.
func LoadKey(path string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file has wrong size: %d", len(raw))
	}
	return &Key{private: ed25519.PrivateKey(raw)}, nil
}

// Save writes the private key to a file, base64 encoded, owner-readable only.
func (k *Key) Save(path string) error {
	encoded := base64.StdEncoding.EncodeToString(k.private)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Public returns the public half of the keypair.
func (k *Key) Public() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey)
}

// Sign signs an arbitrary message, used for nonce handshakes.
func (k *Key) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Certificate binds a public key to a scope. Every certificate except a
// root carries its issuer's id and a signature by the issuer's key; the
// issuer itself is found by lookup in the certificate store, never held
// directly, so chains of arbitrary depth carry no ownership cycles.
type Certificate struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
	Scope     Scope  `json:"scope"`
	IssuerID  string `json:"issuer_id,omitempty"`
	Signature []byte `json:"signature"`
}

// certificateBody is the signed portion of a certificate. Field order is
// fixed so the signing bytes are identical on every node.
type certificateBody struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"public_key"`
	Scope     Scope  `json:"scope"`
	IssuerID  string `json:"issuer_id,omitempty"`
}

// SigningBytes returns the canonical byte form the signature covers.
func (c *Certificate) SigningBytes() ([]byte, error) {
	body := certificateBody{
		ID:        c.ID,
		PublicKey: c.PublicKey,
		Scope:     c.Scope,
		IssuerID:  c.IssuerID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certificate body: %w", err)
	}
	return data, nil
}

// IsRoot reports whether the certificate is self-issued.
func (c *Certificate) IsRoot() bool {
	return c.IssuerID == "" || c.IssuerID == c.ID
}

// VerifySignedBy checks the certificate signature against an issuer's
// public key.
func (c *Certificate) VerifySignedBy(issuerKey ed25519.PublicKey) error {
	data, err := c.SigningBytes()
	if err != nil {
		return err
	}
	if len(issuerKey) != ed25519.PublicKeySize {
		return fmt.Errorf("issuer public key has wrong size: %d", len(issuerKey))
	}
	if !ed25519.Verify(issuerKey, data, c.Signature) {
		return fmt.Errorf("certificate %s signature verification failed", c.ID)
	}
	return nil
}

// VerifyMessage checks a detached signature made by the certificate's key,
// used during the session nonce handshake.
func (c *Certificate) VerifyMessage(message, signature []byte) bool {
	if len(c.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(c.PublicKey), message, signature)
}

// IssueRoot creates a self-signed root certificate for the given scope.
func IssueRoot(key *Key, scope Scope) (*Certificate, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid root scope: %w", err)
	}
	cert := &Certificate{
		ID:        uuid.NewString(),
		PublicKey: key.Public(),
		Scope:     scope,
	}
	data, err := cert.SigningBytes()
	if err != nil {
		return nil, err
	}
	cert.Signature = key.Sign(data)
	return cert, nil
}

// Issue creates a certificate for subjectKey signed by the issuer. The
// requested scope must be a subset of the issuer certificate's scope;
// scope escalation is refused at issuance as well as at verification.
func Issue(issuer *Certificate, issuerKey *Key, subjectKey ed25519.PublicKey, scope Scope) (*Certificate, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope: %w", err)
	}
	if !issuer.Scope.Contains(scope) {
		return nil, fmt.Errorf("scope %s is not contained in issuer scope %s", scope, issuer.Scope)
	}
	cert := &Certificate{
		ID:        uuid.NewString(),
		PublicKey: subjectKey,
		Scope:     scope,
		IssuerID:  issuer.ID,
	}
	data, err := cert.SigningBytes()
	if err != nil {
		return nil, err
	}
	cert.Signature = issuerKey.Sign(data)
	return cert, nil
}

// Serialize encodes the certificate for storage or the wire.
func (c *Certificate) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize decodes a certificate produced by Serialize.
func Deserialize(data []byte) (*Certificate, error) {
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("failed to deserialize certificate: %w", err)
	}
	return &cert, nil
}
