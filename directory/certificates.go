package directory

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/storage"
)

type certRecord struct {
	Fingerprint      string          `json:"fingerprint"`
	Username         string          `json:"username"`
	Status           auth.CertStatus `json:"status"`
	IssuerDN         string          `json:"issuer_dn"`
	SubjectDN        string          `json:"subject_dn"`
	CAID             int32           `json:"ca_id"`
	Serial           string          `json:"serial"`
	NotAfter         time.Time       `json:"not_after"`
	RevokedAt        *time.Time      `json:"revoked_at,omitempty"`
	RevocationReason int             `json:"revocation_reason,omitempty"`
	DER              []byte          `json:"der"`
}

// CertificateEntry is a stored certificate with administrative metadata.
type CertificateEntry struct {
	auth.CertificateRecord
	SubjectDN        string
	Serial           string
	NotAfter         time.Time
	RevokedAt        *time.Time
	RevocationReason int
	Certificate      *x509.Certificate
}

// PutCertificate records an issued certificate as active for username.
func (s *Store) PutCertificate(ctx context.Context, cert *x509.Certificate, username string, caID int32) (string, error) {
	fp := auth.Fingerprint(cert.Raw)
	rec := certRecord{
		Fingerprint: fp,
		Username:    username,
		Status:      auth.StatusActive,
		IssuerDN:    cert.Issuer.String(),
		SubjectDN:   cert.Subject.String(),
		CAID:        caID,
		Serial:      cert.SerialNumber.Text(16),
		NotAfter:    cert.NotAfter.UTC(),
		DER:         cert.Raw,
	}
	data, err := encodeRecord(rec, 1)
	if err != nil {
		return "", err
	}
	if err := s.repo.PutCAS(ctx, typeCert, fp, 0, data); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return "", fmt.Errorf("certificate %s already recorded", fp)
		}
		return "", err
	}
	return fp, nil
}

// RecordByFingerprint implements auth.CertificateStore.
func (s *Store) RecordByFingerprint(ctx context.Context, fingerprint string) (*auth.CertificateRecord, error) {
	rec, _, err := s.loadCert(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return &auth.CertificateRecord{
		Fingerprint: rec.Fingerprint,
		Username:    rec.Username,
		Status:      rec.Status,
		IssuerDN:    rec.IssuerDN,
		CAID:        rec.CAID,
	}, nil
}

// Certificate returns the full stored entry for a fingerprint.
func (s *Store) Certificate(ctx context.Context, fingerprint string) (*CertificateEntry, error) {
	rec, _, err := s.loadCert(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return rec.toEntry()
}

// ListCertificates returns every certificate recorded for username, or all
// certificates when username is empty, ordered by fingerprint.
func (s *Store) ListCertificates(ctx context.Context, username string) ([]CertificateEntry, error) {
	ids, err := s.repo.List(ctx, typeCert)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []CertificateEntry
	for _, fp := range ids {
		rec, _, err := s.loadCert(ctx, fp)
		if err != nil {
			return nil, err
		}
		if username != "" && rec.Username != username {
			continue
		}
		entry, err := rec.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

// SetCertificateStatus changes the status of a recorded certificate. Moving
// to revoked records the time and reason.
func (s *Store) SetCertificateStatus(ctx context.Context, fingerprint string, status auth.CertStatus, reason int) error {
	rec, version, err := s.loadCert(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec.Status == auth.StatusRevoked && status != auth.StatusRevoked {
		return fmt.Errorf("certificate %s is revoked", fingerprint)
	}
	rec.Status = status
	if status == auth.StatusRevoked && rec.RevokedAt == nil {
		now := time.Now().UTC()
		rec.RevokedAt = &now
		rec.RevocationReason = reason
	}
	data, err := encodeRecord(rec, version+1)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(ctx, typeCert, fingerprint, version, data)
}

func (s *Store) loadCert(ctx context.Context, fingerprint string) (*certRecord, uint64, error) {
	var rec certRecord
	version, err := s.getJSON(ctx, typeCert, fingerprint, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", fingerprint, auth.ErrCertificateNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return &rec, version, nil
}

func (r *certRecord) toEntry() (*CertificateEntry, error) {
	cert, err := x509.ParseCertificate(r.DER)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", r.Fingerprint, err)
	}
	return &CertificateEntry{
		CertificateRecord: auth.CertificateRecord{
			Fingerprint: r.Fingerprint,
			Username:    r.Username,
			Status:      r.Status,
			IssuerDN:    r.IssuerDN,
			CAID:        r.CAID,
		},
		SubjectDN:        r.SubjectDN,
		Serial:           r.Serial,
		NotAfter:         r.NotAfter,
		RevokedAt:        r.RevokedAt,
		RevocationReason: r.RevocationReason,
		Certificate:      cert,
	}, nil
}
