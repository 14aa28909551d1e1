package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fieldlight/otgraph/internal/faults"
)

// validate is shared by the model constructors; validator instances are
// safe for concurrent use and cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePort rejects anything outside 1-65535. Optional struct fields
// represent "no port" as 0; this check is for values that are present.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return faults.Validation("model.port", fmt.Sprintf("port %d out of range 1-65535", p), nil)
	}
	return nil
}

// ValidateVLAN rejects anything outside 1-4094.
func ValidateVLAN(v int) error {
	if v < 1 || v > 4094 {
		return faults.Validation("model.vlan", fmt.Sprintf("vlan %d out of range 1-4094", v), nil)
	}
	return nil
}

// ValidateSyslogSeverity rejects anything outside 0-7.
func ValidateSyslogSeverity(s int) error {
	if s < 0 || s > 7 {
		return faults.Validation("model.syslog", fmt.Sprintf("severity %d out of range 0-7", s), nil)
	}
	return nil
}
