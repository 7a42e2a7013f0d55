package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSMTPHost_Blocked(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{"localhost string", "localhost"},
		{"ipv4 loopback", "127.0.0.1"},
		{"ipv6 loopback short", "::1"},
		{"ipv6 loopback full", "0:0:0:0:0:0:0:1"},
		{"private class a", "10.0.0.1"},
		{"private class b", "172.16.0.1"},
		{"private class c", "192.168.1.1"},
		{"cloud metadata", "169.254.169.254"},
		{"broadcast", "255.255.255.255"},
		{"test net", "192.0.2.1"},
		{"any", "0.0.0.0"},
		{"cgnat", "100.64.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateSMTPHost(tt.host))
		})
	}
}

func TestValidateSMTPHost_Allowed(t *testing.T) {
	// Well-known public IPs, so the check does not depend on DNS.
	for _, host := range []string{"8.8.8.8", "1.1.1.1"} {
		assert.NoError(t, ValidateSMTPHost(host))
	}
}

func TestValidateSMTPPort(t *testing.T) {
	tests := []struct {
		name      string
		port      int
		shouldErr bool
	}{
		{"standard smtp", 25, false},
		{"smtps", 465, false},
		{"submission", 587, false},
		{"alt submission", 2525, false},
		{"http", 80, true},
		{"https", 443, true},
		{"ssh", 22, true},
		{"postgres", 5432, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSMTPPort(tt.port)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeEmailAddress(t *testing.T) {
	addr, err := sanitizeEmailAddress("Alex <alex@example.com>")
	assert.NoError(t, err)
	assert.Equal(t, "alex@example.com", addr)

	_, err = sanitizeEmailAddress("not-an-email")
	assert.Error(t, err)

	_, err = sanitizeEmailAddress("alex@example.com\r\nBcc: evil@example.com")
	assert.Error(t, err)
}
