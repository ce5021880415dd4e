package auth

import (
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/cases"
)

// attributeOIDs maps DN attribute short names to their OIDs so that a
// configured component matches both "CN=x" and "2.5.4.3=x".
var attributeOIDs = map[string]string{
	"cn":           "2.5.4.3",
	"commonname":   "2.5.4.3",
	"surname":      "2.5.4.4",
	"sn":           "2.5.4.5",
	"serialnumber": "2.5.4.5",
	"c":            "2.5.4.6",
	"l":            "2.5.4.7",
	"st":           "2.5.4.8",
	"street":       "2.5.4.9",
	"o":            "2.5.4.10",
	"ou":           "2.5.4.11",
	"title":        "2.5.4.12",
	"postalcode":   "2.5.4.17",
	"givenname":    "2.5.4.42",
	"uid":          "0.9.2342.19200300.100.1.1",
	"dc":           "0.9.2342.19200300.100.1.25",
	"e":            "1.2.840.113549.1.9.1",
	"email":        "1.2.840.113549.1.9.1",
	"emailaddress": "1.2.840.113549.1.9.1",
}

func canonicalAttribute(name string) string {
	key := cases.Fold().String(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "oid.")
	if oid, ok := attributeOIDs[key]; ok {
		return oid
	}
	return key
}

// DNComponent returns the value of the first attribute of type component in
// an RFC 4514 distinguished name string. Attribute types are matched
// case-insensitively and by OID; values are unescaped.
func DNComponent(dn, component string) (string, bool) {
	if component == "" {
		return "", false
	}
	want := canonicalAttribute(component)
	for _, ava := range splitDN(dn) {
		typ, val, ok := strings.Cut(ava, "=")
		if !ok {
			continue
		}
		if canonicalAttribute(typ) != want {
			continue
		}
		v, ok := unescapeValue(strings.TrimSpace(val))
		if !ok || v == "" {
			continue
		}
		return v, true
	}
	return "", false
}

// splitDN splits a DN string into attribute type-and-value pairs, breaking
// on unescaped ',' ';' and '+'.
func splitDN(dn string) []string {
	var (
		out     []string
		cur     strings.Builder
		escaped bool
		quoted  bool
	)
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune('\\')
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case !quoted && (r == ',' || r == ';' || r == '+'):
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// unescapeValue decodes RFC 4514 escapes, surrounding quotes and the
// "#<hex BER>" form Go uses for attributes it has no name for.
func unescapeValue(v string) (string, bool) {
	if strings.HasPrefix(v, "#") {
		return decodeHexValue(v[1:])
	}
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}

	var b []byte
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' || i+1 >= len(v) {
			b = append(b, c)
			continue
		}
		if i+2 < len(v) && isHex(v[i+1]) && isHex(v[i+2]) {
			x, _ := hex.DecodeString(v[i+1 : i+3])
			b = append(b, x[0])
			i += 2
			continue
		}
		b = append(b, v[i+1])
		i++
	}
	return string(b), true
}

func decodeHexValue(h string) (string, bool) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", false
	}
	var (
		s       = cryptobyte.String(raw)
		content cryptobyte.String
		tag     cbasn1.Tag
	)
	if !s.ReadAnyASN1(&content, &tag) || !s.Empty() {
		return "", false
	}
	return string(content), true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// CAIDFromDN derives the numeric CA id from a CA subject DN string using the
// 31-multiplier string hash over UTF-16 code units, so ids stay stable
// across systems that share CA records.
func CAIDFromDN(dn string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(dn)) {
		h = 31*h + int32(c)
	}
	return h
}
