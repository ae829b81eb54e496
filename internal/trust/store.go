package trust

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrCertificateNotFound is returned when a chain references a
// certificate this node has never seen.
var ErrCertificateNotFound = errors.New("certificate not found")

// CertificateStore keeps certificates in a flat keyed table. Chains are
// reconstructed by issuer-id lookup, never by holding issuer references.
// The trusted root set persists across restarts.
type CertificateStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCertificateStore creates the store and its tables if missing.
func NewCertificateStore(db *sql.DB, logger *zap.Logger) (*CertificateStore, error) {
	s := &CertificateStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CertificateStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS trusted_roots (
	cert_id TEXT PRIMARY KEY REFERENCES certificates(id)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create certificate tables: %w", err)
	}
	return nil
}

// Put saves a certificate. Certificates are immutable once issued, so an
// existing row with the same id is left untouched.
func (s *CertificateStore) Put(cert *Certificate) error {
	data, err := cert.Serialize()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO certificates (id, data) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		cert.ID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save certificate %s: %w", cert.ID, err)
	}
	return nil
}

// Get looks up a certificate by id.
func (s *CertificateStore) Get(id string) (*Certificate, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM certificates WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", id, err)
	}
	return Deserialize(data)
}

// Trust adds a certificate to the trusted root set. The certificate must
// already be saved.
func (s *CertificateStore) Trust(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO trusted_roots (cert_id) VALUES (?) ON CONFLICT(cert_id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("failed to trust certificate %s: %w", id, err)
	}
	s.logger.Info("Certificate added to trusted roots", zap.String("cert_id", id))
	return nil
}

// Revoke removes a certificate from the trusted root set. Chains anchored
// at it stop verifying immediately.
func (s *CertificateStore) Revoke(id string) error {
	_, err := s.db.Exec(`DELETE FROM trusted_roots WHERE cert_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate %s: %w", id, err)
	}
	s.logger.Info("Certificate removed from trusted roots", zap.String("cert_id", id))
	return nil
}

// IsTrusted reports whether the certificate id is in the trusted root set.
func (s *CertificateStore) IsTrusted(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM trusted_roots WHERE cert_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trusted root %s: %w", id, err)
	}
	return true, nil
}

// List returns every saved certificate.
func (s *CertificateStore) List() ([]*Certificate, error) {
	rows, err := s.db.Query(`SELECT data FROM certificates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var certs []*Certificate
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		cert, err := Deserialize(data)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, rows.Err()
}
