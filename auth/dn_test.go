package auth_test

import (
	"testing"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/stretchr/testify/assert"
)

func TestDNComponent(t *testing.T) {
	tests := []struct {
		dn, component string
		want          string
		ok            bool
	}{
		{"CN=alice,O=Org", "CN", "alice", true},
		{"CN=alice,O=Org", "cn", "alice", true},
		{"CN=alice,O=Org", "CommonName", "alice", true},
		{"CN=alice,O=Org", "O", "Org", true},
		{"O=Org, CN = alice ", "CN", "alice", true},
		{"CN=Smith\\, John,O=Org", "CN", "Smith, John", true},
		{"CN=a\\2Bb,O=Org", "CN", "a+b", true},
		{`CN="quoted, value",O=Org`, "CN", "quoted, value", true},
		{"CN=alice+UID=a1,O=Org", "UID", "a1", true},
		{"0.9.2342.19200300.100.1.1=a1,CN=alice", "UID", "a1", true},
		{"SERIALNUMBER=1234,CN=dev", "SN", "1234", true},
		// emailAddress as Go renders it: #<hex IA5String>.
		{"1.2.840.113549.1.9.1=#160d61406578616d706c652e6f7267,CN=alice", "E", "a@example.org", true},
		{"CN=alice,CN=second", "CN", "alice", true},
		{"O=Org", "CN", "", false},
		{"CN=,O=Org", "CN", "", false},
		{"CN=alice", "", "", false},
		{"1.2.840.113549.1.9.1=#zz", "E", "", false},
	}
	for _, tt := range tests {
		got, ok := auth.DNComponent(tt.dn, tt.component)
		assert.Equal(t, tt.ok, ok, "%s / %s", tt.dn, tt.component)
		assert.Equal(t, tt.want, got, "%s / %s", tt.dn, tt.component)
	}
}

func TestCAIDFromDN(t *testing.T) {
	assert.Equal(t, int32(0), auth.CAIDFromDN(""))
	assert.Equal(t, int32(99162322), auth.CAIDFromDN("hello"))
	// Overflow wraps like a 32-bit signed integer.
	assert.Equal(t, int32(1652389506), auth.CAIDFromDN("CN=ManagementCA,O=EJBCA Sample,C=SE"))
}
