package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

// MaxChainDepth bounds issuer-chain traversal. Chains are looked up
// iteratively, so the bound guards against reference loops in hostile
// input rather than recursion limits.
const MaxChainDepth = 32

// ScopeAuthority verifies certificate chains against the local trusted
// root set and computes the scope a session is authorized for. Results
// are never cached across sessions; every session re-verifies.
type ScopeAuthority struct {
	certs  *CertificateStore
	logger *zap.Logger
}

// NewScopeAuthority creates a new scope authority
func NewScopeAuthority(certs *CertificateStore, logger *zap.Logger) *ScopeAuthority {
	return &ScopeAuthority{certs: certs, logger: logger}
}

// SaveChain verifies a presented chain link-by-link and saves previously
// unknown certificates. The chain is ordered leaf-last; each link must be
// signed by its predecessor and scoped within it. Nothing is saved unless
// the whole chain verifies.
func (a *ScopeAuthority) SaveChain(chain []*Certificate) error {
	if len(chain) == 0 {
		return syncerrors.UntrustedPeer("empty certificate chain", nil)
	}
	for i, cert := range chain {
		if err := cert.Scope.Validate(); err != nil {
			return syncerrors.UntrustedPeer(fmt.Sprintf("certificate %s has invalid scope", cert.ID), err)
		}
		var issuer *Certificate
		if cert.IsRoot() {
			issuer = cert
		} else if i > 0 && chain[i-1].ID == cert.IssuerID {
			issuer = chain[i-1]
		} else {
			known, err := a.certs.Get(cert.IssuerID)
			if err != nil {
				return syncerrors.UntrustedPeer(fmt.Sprintf("issuer %s of certificate %s is unknown", cert.IssuerID, cert.ID), err)
			}
			issuer = known
		}
		if err := a.verifyLink(cert, issuer); err != nil {
			return err
		}
	}
	for _, cert := range chain {
		if err := a.certs.Put(cert); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChain walks the issuer chain of a certificate up to a trusted
// root, verifying every signature and that every scope is contained in
// its issuer's scope. Any failure is a rejection; nothing is silently
// downgraded.
func (a *ScopeAuthority) VerifyChain(cert *Certificate) error {
	current := cert
	for depth := 0; depth < MaxChainDepth; depth++ {
		trusted, err := a.certs.IsTrusted(current.ID)
		if err != nil {
			return syncerrors.Internal("trusted root lookup failed", err)
		}
		if trusted {
			// The anchor itself must still carry a valid self or issuer
			// signature; a tampered root in the table is not a root.
			if current.IsRoot() {
				if err := current.VerifySignedBy(ed25519.PublicKey(current.PublicKey)); err != nil {
					return syncerrors.UntrustedPeer("trusted root signature invalid", err)
				}
			}
			return nil
		}
		if current.IsRoot() {
			return syncerrors.UntrustedPeer(fmt.Sprintf("root certificate %s is not in the trusted set", current.ID), nil)
		}

		issuer, err := a.certs.Get(current.IssuerID)
		if err != nil {
			if errors.Is(err, ErrCertificateNotFound) {
				return syncerrors.UntrustedPeer(fmt.Sprintf("issuer %s not found", current.IssuerID), err)
			}
			return syncerrors.Internal("issuer lookup failed", err)
		}
		if err := a.verifyLink(current, issuer); err != nil {
			return err
		}
		current = issuer
	}
	return syncerrors.UntrustedPeer(fmt.Sprintf("certificate chain exceeds maximum depth %d", MaxChainDepth), nil)
}

// Chain assembles the stored issuer chain for a leaf certificate,
// ordered root-first with the leaf last, as presented to peers during
// the session handshake.
func (a *ScopeAuthority) Chain(leaf *Certificate) ([]*Certificate, error) {
	var reversed []*Certificate
	current := leaf
	for depth := 0; depth < MaxChainDepth; depth++ {
		reversed = append(reversed, current)
		if current.IsRoot() {
			chain := make([]*Certificate, len(reversed))
			for i, cert := range reversed {
				chain[len(chain)-1-i] = cert
			}
			return chain, nil
		}
		issuer, err := a.certs.Get(current.IssuerID)
		if err != nil {
			return nil, fmt.Errorf("issuer %s of certificate %s not in store: %w", current.IssuerID, current.ID, err)
		}
		current = issuer
	}
	return nil, fmt.Errorf("certificate chain exceeds maximum depth %d", MaxChainDepth)
}

// verifyLink checks one issuer/subject edge: signature and scope containment.
func (a *ScopeAuthority) verifyLink(cert, issuer *Certificate) error {
	if err := cert.VerifySignedBy(ed25519.PublicKey(issuer.PublicKey)); err != nil {
		return syncerrors.UntrustedPeer(fmt.Sprintf("certificate %s signature invalid", cert.ID), err)
	}
	if !cert.IsRoot() && !issuer.Scope.Contains(cert.Scope) {
		return syncerrors.UntrustedPeer(
			fmt.Sprintf("certificate %s scope %s escalates issuer scope %s", cert.ID, cert.Scope, issuer.Scope), nil)
	}
	return nil
}

// Authorize validates the requested scope against a verified certificate
// and returns the effective scope granted for the session. The chain is
// verified as part of the call; callers must not reuse a previous result.
func (a *ScopeAuthority) Authorize(requested Scope, cert *Certificate) (Scope, error) {
	if err := requested.Validate(); err != nil {
		return Scope{}, syncerrors.ScopeViolation(requested.String(), cert.Scope.String()).WithDetail("cause", err.Error())
	}
	if err := a.VerifyChain(cert); err != nil {
		return Scope{}, err
	}
	if !cert.Scope.Contains(requested) {
		a.logger.Warn("Scope authorization denied",
			zap.String("cert_id", cert.ID),
			zap.String("requested", requested.String()),
			zap.String("granted", cert.Scope.String()))
		return Scope{}, syncerrors.ScopeViolation(requested.String(), cert.Scope.String())
	}
	return requested, nil
}
