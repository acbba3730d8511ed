// Package netutil turns plain scan targets (domains, IPs, CIDR ranges) into
// FOFA search queries.
package netutil

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

var (
	// RFC 1035, simplified.
	domainRegexp = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

	privateCIDRs = []*net.IPNet{
		mustCIDR("10.0.0.0/8"),
		mustCIDR("172.16.0.0/12"),
		mustCIDR("192.168.0.0/16"),
		mustCIDR("127.0.0.0/8"),
		mustCIDR("169.254.0.0/16"),
	}
)

func mustCIDR(cidr string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		panic("invalid CIDR: " + cidr)
	}
	return ipnet
}

func isPrivate(ip net.IP) bool {
	for _, n := range privateCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// TargetQuery returns the FOFA query for one target: ip="…" for an IPv4
// address or CIDR range, domain="…" for a hostname. Private, IPv6 and
// malformed targets are rejected since FOFA indexes only public IPv4 space.
func TargetQuery(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return "", fmt.Errorf("target %q is a URL, expected a host", target)
	}

	if strings.Contains(target, "/") {
		ip, ipnet, err := net.ParseCIDR(target)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR %q: %w", target, err)
		}
		if ip.To4() == nil || isPrivate(ipnet.IP) {
			return "", fmt.Errorf("CIDR %q is not public IPv4", target)
		}
		return fmt.Sprintf(`ip="%s"`, ipnet.String()), nil
	}

	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() == nil || isPrivate(ip) {
			return "", fmt.Errorf("IP %q is not public IPv4", target)
		}
		return fmt.Sprintf(`ip="%s"`, ip.String()), nil
	}

	if !domainRegexp.MatchString(target) {
		return "", fmt.Errorf("invalid domain %q", target)
	}
	return fmt.Sprintf(`domain="%s"`, strings.ToLower(target)), nil
}

// Split24 breaks an IPv4 range wider than /24 (down to /16) into its /24
// blocks, so each query stays under the page size. Other targets are
// returned unchanged.
func Split24(target string) []string {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(target))
	if err != nil || ipnet.IP.To4() == nil {
		return []string{target}
	}
	ones, _ := ipnet.Mask.Size()
	if ones >= 24 || ones < 16 {
		return []string{target}
	}

	var blocks []string
	mask := net.CIDRMask(24, 32)
	for ip := ipnet.IP.To4(); ipnet.Contains(ip); {
		blocks = append(blocks, (&net.IPNet{IP: ip, Mask: mask}).String())
		next := make(net.IP, len(ip))
		copy(next, ip)
		inc(next, 2) // step the third octet
		if next.Equal(net.IPv4zero.To4()) {
			break
		}
		ip = next
	}
	return blocks
}

// Queries converts targets to queries, optionally splitting wide ranges.
// Rejected targets are returned with the reason so the caller can log them.
func Queries(targets []string, split bool) (queries []string, rejected []error) {
	for _, t := range targets {
		expanded := []string{t}
		if split {
			expanded = Split24(t)
		}
		for _, e := range expanded {
			q, err := TargetQuery(e)
			if err != nil {
				rejected = append(rejected, err)
				continue
			}
			queries = append(queries, q)
		}
	}
	return queries, rejected
}

// LoadTargets reads one target per line. Lines may also hold several
// targets separated by commas or whitespace; # starts a comment line.
func LoadTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening targets file: %w", err)
	}
	defer f.Close()

	var targets []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, t := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}) {
			targets = append(targets, t)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}
	return targets, nil
}

// inc adds one to byte pos of ip, carrying into the higher bytes.
func inc(ip net.IP, pos int) {
	for j := pos; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
