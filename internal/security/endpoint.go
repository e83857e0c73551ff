package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateFacilitatorURL checks that a configured facilitator endpoint is safe
// for the gateway to call server-side. Every verification request carries
// payment data, so a misconfigured or attacker-supplied URL pointing at
// loopback, private, or cloud-metadata addresses is rejected outright. Both
// the literal host and its DNS-resolved addresses are checked.
func ValidateFacilitatorURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid facilitator URL")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("facilitator URL scheme must be http or https")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("facilitator URL must have a host")
	}

	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("facilitator host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve facilitator host: %s", host)
	}
	for _, ipStr := range ips {
		if resolved := net.ParseIP(ipStr); resolved != nil {
			if err := checkIP(resolved); err != nil {
				return fmt.Errorf("facilitator host %q resolves to blocked address: %v", host, err)
			}
		}
	}

	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	return nil
}
