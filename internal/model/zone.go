package model

import (
	"fmt"
	"net"

	"github.com/fieldlight/otgraph/internal/faults"
)

// FirewallRule documents an allowed or denied path between two zones.
type FirewallRule struct {
	Name     string       `json:"name,omitempty"`
	FromZone SecurityZone `json:"fromZone"`
	ToZone   SecurityZone `json:"toZone"`
	Protocol string       `json:"protocol,omitempty"`
	Port     int          `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Action   string       `json:"action" validate:"oneof=allow deny"`
}

// ZoneDefinition maps subnets to a Purdue level and security zone. Zones are
// operator-maintained rows in the zones table; the classifier consumes them
// as subnet hints and the risk analyzer as compliance evidence.
type ZoneDefinition struct {
	Name          string         `json:"name"`
	PurdueLevel   PurdueLevel    `json:"purdueLevel"`
	SecurityZone  SecurityZone   `json:"securityZone"`
	Subnets       []string       `json:"subnets,omitempty" validate:"dive,cidrv4"`
	FirewallRules []FirewallRule `json:"firewallRules,omitempty" validate:"dive"`
}

func (z ZoneDefinition) Validate() error {
	if z.Name == "" {
		return faults.Validation("model.zone", "name is required", nil)
	}
	if !z.PurdueLevel.Valid() {
		return faults.Validation("model.zone", fmt.Sprintf("purdue level %d out of range", z.PurdueLevel), nil)
	}
	if err := validate.Struct(z); err != nil {
		return faults.Validation("model.zone", "field validation failed", err)
	}
	return nil
}

// Contains reports whether ip falls inside any of the zone's subnets.
func (z ZoneDefinition) Contains(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range z.Subnets {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipnet.Contains(addr) {
			return true
		}
	}
	return false
}
