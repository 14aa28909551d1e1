package model

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/fieldlight/otgraph/internal/faults"
)

var bareHexMAC = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)

// CanonicalMAC normalizes a MAC address to lowercase colon-separated form.
// Colon, hyphen, Cisco dot-group, and bare 12-digit hex inputs are accepted;
// anything that is not a 48-bit address is a validation fault. The function
// is idempotent: feeding its output back yields the same string.
func CanonicalMAC(s string) (string, error) {
	in := strings.TrimSpace(s)
	if bareHexMAC.MatchString(in) {
		var b strings.Builder
		for i := 0; i < len(in); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(in[i : i+2])
		}
		in = b.String()
	}
	hw, err := net.ParseMAC(in)
	if err != nil {
		return "", faults.Validation("model.mac", fmt.Sprintf("invalid mac %q", s), err)
	}
	if len(hw) != 6 {
		return "", faults.Validation("model.mac", fmt.Sprintf("mac %q is not a 48-bit address", s), nil)
	}
	return hw.String(), nil
}

// OUI returns the organizationally unique identifier, the first three octets,
// of a canonical MAC. Empty when the input is too short.
func OUI(mac string) string {
	if len(mac) < 8 {
		return ""
	}
	return strings.ToLower(mac[:8])
}
