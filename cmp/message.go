// Package cmp models the parts of a decoded CMP (RFC 4210) management
// message that request authentication depends on: the header, the body
// choice, the protection value and the attached extra certificates.
//
// Wire parsing of full PKIMessage structures is out of scope. Messages reach
// this package already decoded, typically as JSON over the HTTP API.
package cmp

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
)

// BodyType is the PKIBody choice number from RFC 4210 section 5.1.2.
type BodyType int

const (
	BodyIR       BodyType = 0  // initialization request
	BodyIP       BodyType = 1  // initialization response
	BodyCR       BodyType = 2  // certification request
	BodyCP       BodyType = 3  // certification response
	BodyP10CR    BodyType = 4  // PKCS#10 certification request
	BodyPOPDecC  BodyType = 5  // pop challenge
	BodyPOPDecR  BodyType = 6  // pop response
	BodyKUR      BodyType = 7  // key update request
	BodyKUP      BodyType = 8  // key update response
	BodyKRR      BodyType = 9  // key recovery request
	BodyKRP      BodyType = 10 // key recovery response
	BodyRR       BodyType = 11 // revocation request
	BodyRP       BodyType = 12 // revocation response
	BodyCCR      BodyType = 13 // cross-cert request
	BodyCCP      BodyType = 14 // cross-cert response
	BodyCKUAnn   BodyType = 15
	BodyCAnn     BodyType = 16
	BodyRAnn     BodyType = 17
	BodyCRLAnn   BodyType = 18
	BodyPKIConf  BodyType = 19
	BodyNested   BodyType = 20
	BodyGenM     BodyType = 21
	BodyGenP     BodyType = 22
	BodyError    BodyType = 23
	BodyCertConf BodyType = 24
	BodyPollReq  BodyType = 25
	BodyPollRep  BodyType = 26
)

var bodyTypeNames = map[BodyType]string{
	BodyIR: "ir", BodyIP: "ip", BodyCR: "cr", BodyCP: "cp", BodyP10CR: "p10cr",
	BodyPOPDecC: "popdecc", BodyPOPDecR: "popdecr", BodyKUR: "kur", BodyKUP: "kup",
	BodyKRR: "krr", BodyKRP: "krp", BodyRR: "rr", BodyRP: "rp", BodyCCR: "ccr",
	BodyCCP: "ccp", BodyCKUAnn: "ckuann", BodyCAnn: "cann", BodyRAnn: "rann",
	BodyCRLAnn: "crlann", BodyPKIConf: "pkiconf", BodyNested: "nested",
	BodyGenM: "genm", BodyGenP: "genp", BodyError: "error", BodyCertConf: "certconf",
	BodyPollReq: "pollreq", BodyPollRep: "pollrep",
}

func (b BodyType) String() string {
	if name, ok := bodyTypeNames[b]; ok {
		return name
	}
	return "body(" + strconv.Itoa(int(b)) + ")"
}

// Valid reports whether b is a body choice defined by RFC 4210.
func (b BodyType) Valid() bool {
	_, ok := bodyTypeNames[b]
	return ok
}

// ParseBodyType accepts either the short name ("ir", "rr", ...) or the
// numeric choice.
func ParseBodyType(s string) (BodyType, error) {
	for bt, name := range bodyTypeNames {
		if name == s {
			return bt, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !BodyType(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBodyType, s)
	}
	return BodyType(n), nil
}

var (
	ErrUnknownBodyType      = errors.New("unknown body type")
	ErrUnsupportedAlgorithm = errors.New("unsupported protection algorithm")
	ErrNoProtection         = errors.New("message carries no protection")
	ErrNoExtraCerts         = errors.New("message carries no extra certificates")
	ErrKeyMismatch          = errors.New("signing key does not match protection algorithm")
	ErrHeaderMismatch       = errors.New("header fields differ from the protected header")
)

// Header is the subset of PKIHeader covered by the protection.
type Header struct {
	PVNO          int    `json:"pvno"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	ProtectionAlg string `json:"protection_alg"`
	SenderKID     []byte `json:"sender_kid,omitempty"`
	TransactionID []byte `json:"transaction_id,omitempty"`
	SenderNonce   []byte `json:"sender_nonce,omitempty"`

	// Raw is the DER encoding of the header as received. When empty the
	// header is re-encoded from its fields.
	Raw []byte `json:"raw,omitempty"`
}

// Message is a decoded, immutable CMP request.
type Message struct {
	Header     Header   `json:"header"`
	BodyType   BodyType `json:"body_type"`
	Body       []byte   `json:"body,omitempty"`
	Protection []byte   `json:"protection,omitempty"`
	ExtraCerts [][]byte `json:"extra_certs,omitempty"`

	// Username is the end-entity name the sender claims, if any.
	Username string `json:"username,omitempty"`
}

// Protected reports whether the message carries a non-empty protection value.
func (m *Message) Protected() bool {
	return m != nil && len(m.Protection) > 0
}

// FirstExtraCert decodes the first attached certificate. Later entries are
// never consulted.
func (m *Message) FirstExtraCert() (*x509.Certificate, error) {
	if m == nil || len(m.ExtraCerts) == 0 || len(m.ExtraCerts[0]) == 0 {
		return nil, ErrNoExtraCerts
	}
	cert, err := x509.ParseCertificate(m.ExtraCerts[0])
	if err != nil {
		return nil, fmt.Errorf("parsing extra certificate: %w", err)
	}
	return cert, nil
}
