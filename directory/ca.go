package directory

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/storage"
)

type caRecord struct {
	ID        int32             `json:"id"`
	Name      string            `json:"name"`
	SubjectDN string            `json:"subject_dn"`
	Chain     [][]byte          `json:"chain"`
	Key       *storage.Envelope `json:"key,omitempty"`
	External  bool              `json:"external"`
}

// CAEntry describes a CA for administration listings.
type CAEntry struct {
	auth.CA
	// External CAs were imported without a signing key.
	External bool
}

// PutCA creates a CA. keyDER, when non-nil, is the PKCS#8 signing key and is
// stored sealed. The CA id is derived from the subject DN of chain[0].
func (s *Store) PutCA(ctx context.Context, name string, chain []*x509.Certificate, keyDER []byte) (*auth.CA, error) {
	if name == "" {
		return nil, fmt.Errorf("CA name must not be empty")
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("CA %q: empty certificate chain", name)
	}
	subject := chain[0].Subject.String()
	rec := caRecord{
		ID:        auth.CAIDFromDN(subject),
		Name:      name,
		SubjectDN: subject,
		External:  keyDER == nil,
	}
	for _, c := range chain {
		rec.Chain = append(rec.Chain, c.Raw)
	}
	id := caIDString(rec.ID)
	if keyDER != nil {
		env, err := s.seal(keyDER, typeCA+":"+id)
		if err != nil {
			return nil, err
		}
		rec.Key = env
	}

	data, err := encodeRecord(rec, 1)
	if err != nil {
		return nil, err
	}
	nameRec := &storage.Record{Data: []byte(id), Version: 1}
	err = s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(typeCA, id, 0, data); err != nil {
			return err
		}
		return tx.PutCAS(typeCAName, name, 0, nameRec)
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("CA %q (%s): %w", name, subject, ErrCAExists)
	}
	if err != nil {
		return nil, err
	}
	return rec.toCA()
}

// CAByID returns the CA with the given id if admin holds access to it.
func (s *Store) CAByID(ctx context.Context, admin auth.Principal, id int32) (*auth.CA, error) {
	rec, err := s.loadCA(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsAuthorized(ctx, admin, auth.CAAccessResource(id)) {
		return nil, fmt.Errorf("%s to CA %q: %w", admin, rec.Name, auth.ErrAuthorizationDenied)
	}
	return rec.toCA()
}

// CAByName resolves a CA name and applies the same access check as CAByID.
func (s *Store) CAByName(ctx context.Context, admin auth.Principal, name string) (*auth.CA, error) {
	id, err := s.caIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.CAByID(ctx, admin, id)
}

// CAKey returns the PKCS#8 signing key of a managed CA.
func (s *Store) CAKey(ctx context.Context, id int32) ([]byte, error) {
	rec, err := s.loadCA(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Key == nil {
		return nil, fmt.Errorf("CA %q has no signing key", rec.Name)
	}
	return s.open(rec.Key, typeCA+":"+caIDString(id))
}

// ListCAs returns every CA ordered by name. No access check is applied.
func (s *Store) ListCAs(ctx context.Context) ([]CAEntry, error) {
	ids, err := s.repo.List(ctx, typeCA)
	if err != nil {
		return nil, err
	}
	out := make([]CAEntry, 0, len(ids))
	for _, idStr := range ids {
		var rec caRecord
		if _, err := s.getJSON(ctx, typeCA, idStr, &rec); err != nil {
			return nil, err
		}
		ca, err := rec.toCA()
		if err != nil {
			return nil, err
		}
		out = append(out, CAEntry{CA: *ca, External: rec.External})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) caIDByName(ctx context.Context, name string) (int32, error) {
	rec, err := s.repo.Get(ctx, typeCAName, name)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("CA %q: %w", name, auth.ErrCANotFound)
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(string(rec.Data), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("CA name index %q: %w", name, err)
	}
	return int32(id), nil
}

func (s *Store) loadCA(ctx context.Context, id int32) (*caRecord, error) {
	var rec caRecord
	_, err := s.getJSON(ctx, typeCA, caIDString(id), &rec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("CA %d: %w", id, auth.ErrCANotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *caRecord) toCA() (*auth.CA, error) {
	ca := &auth.CA{ID: r.ID, Name: r.Name, SubjectDN: r.SubjectDN}
	for _, der := range r.Chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("CA %q: parsing chain: %w", r.Name, err)
		}
		ca.Chain = append(ca.Chain, c)
	}
	return ca, nil
}

func caIDString(id int32) string {
	return strconv.FormatInt(int64(id), 10)
}

// CA returns a CA by name without an access check. It serves local
// administration, not request processing.
func (s *Store) CA(ctx context.Context, name string) (*auth.CA, error) {
	id, err := s.caIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	rec, err := s.loadCA(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.toCA()
}
