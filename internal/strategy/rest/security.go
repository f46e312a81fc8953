// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SSRFError reports that a request target was rejected by validateURL. The
// message intentionally omits the resolved IP so logs and error surfaces
// never leak internal network layout.
type SSRFError struct {
	Host string
}

func (e *SSRFError) Error() string {
	return fmt.Sprintf("strategy/rest: host %q is blocked by connection security policy", e.Host)
}

// validateURL blocks requests to hosts outside allowedHosts (when set) or
// inside blockedHosts / private, loopback, link-local, and cloud metadata
// ranges by default.
func validateURL(rawURL string, allowedHosts, blockedHosts []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("strategy/rest: invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("strategy/rest: URL missing host: %s", rawURL)
	}

	if hostMatches(host, blockedHosts) {
		return &SSRFError{Host: host}
	}
	if len(allowedHosts) > 0 {
		if !hostMatches(host, allowedHosts) {
			return &SSRFError{Host: host}
		}
		return nil
	}
	return validateHostIP(host, blockedHosts)
}

// hostMatches reports whether host equals one of patterns, case-
// insensitively, or matches a "*.example.com" wildcard entry.
func hostMatches(host string, patterns []string) bool {
	lowerHost := strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if p == lowerHost {
			return true
		}
		if suffix, ok := strings.CutPrefix(p, "*."); ok && strings.HasSuffix(lowerHost, suffix) {
			return true
		}
	}
	return false
}

func validateHostIP(host string, blockedHosts []string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("strategy/rest: resolving %s: %w", host, err)
		}
		if len(ips) == 0 {
			return fmt.Errorf("strategy/rest: no IP addresses found for %s", host)
		}
		ip = ips[0]
	}

	for _, blocked := range blockedHosts {
		if !strings.Contains(blocked, "/") {
			continue
		}
		_, cidr, err := net.ParseCIDR(blocked)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return &SSRFError{Host: host}
		}
	}

	if isDisallowedRangeIP(ip) {
		return &SSRFError{Host: host}
	}
	return nil
}

var disallowedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"169.254.0.0/16",
	"fe80::/10",
}

// isDisallowedRangeIP reports whether ip falls in a private, loopback,
// link-local, or the 169.254.169.254 cloud metadata range.
func isDisallowedRangeIP(ip net.IP) bool {
	for _, cidr := range disallowedRanges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return ip.String() == "169.254.169.254"
}
