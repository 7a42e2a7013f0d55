package mailer

import (
	"fmt"
	"net"
	"strings"
)

// ValidateSMTPHost blocks connections to private networks, localhost and
// link-local addresses. It resolves the hostname and checks every resolved
// IP, which also covers hostnames whose DNS later points inward.
func ValidateSMTPHost(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))

	blockedHosts := []string{
		"localhost",
		"0.0.0.0",
		"127.0.0.1",
		"::1",
		"[::1]",
		"ip6-localhost",
		"ip6-loopback",
	}
	for _, blocked := range blockedHosts {
		if host == blocked {
			return fmt.Errorf("localhost connections forbidden")
		}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("hostname resolution failed")
	}
	if len(ips) == 0 {
		return fmt.Errorf("hostname resolves to no IP addresses")
	}

	for _, ip := range ips {
		if err := validatePublicIP(ip); err != nil {
			return fmt.Errorf("connection to private network blocked")
		}
	}
	return nil
}

func validatePublicIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback address")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private address")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified address")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local address")
	}

	// Ranges the stdlib helpers miss, including the cloud metadata range.
	privateBlocks := []string{
		"169.254.0.0/16",
		"100.64.0.0/10",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
	}
	for _, block := range privateBlocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return fmt.Errorf("blocked range: %s", block)
		}
	}
	return nil
}

// ValidateSMTPPort restricts outbound connections to standard SMTP ports.
func ValidateSMTPPort(port int) error {
	switch port {
	case 25, 465, 587, 2525:
		return nil
	}
	return fmt.Errorf("non-standard smtp port")
}

// ValidateSMTPConfig validates host and port together.
func ValidateSMTPConfig(host string, port int) error {
	if err := ValidateSMTPHost(host); err != nil {
		return fmt.Errorf("invalid smtp host: %w", err)
	}
	if err := ValidateSMTPPort(port); err != nil {
		return fmt.Errorf("invalid smtp port: %w", err)
	}
	return nil
}
