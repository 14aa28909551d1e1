package parse

import (
	"strings"

	"github.com/fieldlight/otgraph/internal/model"
)

// ouiVendors maps OUI prefixes to vendor names. Industrial automation
// vendors dominate the table on purpose; IT OUIs churn too fast to chase
// beyond the hypervisor and server staples that show up in plant networks.
var ouiVendors = map[string]string{
	"28:63:36": "Siemens",
	"00:0e:8c": "Siemens",
	"00:1f:f8": "Siemens",
	"08:00:06": "Siemens",
	"00:00:bc": "Rockwell Automation",
	"00:1d:9c": "Rockwell Automation",
	"f4:54:33": "Rockwell Automation",
	"00:00:54": "Schneider Electric",
	"00:80:f4": "Schneider Electric",
	"00:40:84": "Honeywell",
	"00:00:64": "Yokogawa",
	"00:01:05": "Beckhoff",
	"00:a0:45": "Phoenix Contact",
	"00:30:de": "WAGO",
	"00:00:0a": "Omron",
	"00:09:91": "GE",
	"00:90:e8": "Moxa",
	"00:80:63": "Hirschmann",
	"00:15:5d": "Microsoft",
	"00:50:56": "VMware",
	"00:14:22": "Dell",
	"00:17:a4": "HP",
	"00:00:0c": "Cisco",
}

// vendorNames maps lowercase substrings of sysDescr (or entPhysical text)
// to the canonical vendor name. Order matters for brands that share words.
var vendorNames = []struct{ substr, vendor string }{
	{"allen-bradley", "Rockwell Automation"},
	{"rockwell", "Rockwell Automation"},
	{"siemens", "Siemens"},
	{"simatic", "Siemens"},
	{"schneider", "Schneider Electric"},
	{"modicon", "Schneider Electric"},
	{"honeywell", "Honeywell"},
	{"emerson", "Emerson"},
	{"yokogawa", "Yokogawa"},
	{"abb", "ABB"},
	{"mitsubishi", "Mitsubishi Electric"},
	{"omron", "Omron"},
	{"phoenix contact", "Phoenix Contact"},
	{"beckhoff", "Beckhoff"},
	{"wago", "WAGO"},
	{"hirschmann", "Hirschmann"},
	{"belden", "Belden"},
	{"moxa", "Moxa"},
	{"cisco", "Cisco"},
	{"juniper", "Juniper"},
	{"vmware", "VMware"},
	{"microsoft", "Microsoft"},
	{"windows", "Microsoft"},
	{"dell", "Dell"},
	{"hewlett", "HP"},
	{"lenovo", "Lenovo"},
}

// VendorFromOUI returns the vendor owning a canonical MAC's OUI prefix,
// or "" when unknown.
func VendorFromOUI(mac string) string {
	return ouiVendors[model.OUI(mac)]
}

// VendorFromText scans free-form identity text (sysDescr and the like)
// for a known vendor name.
func VendorFromText(s string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, v := range vendorNames {
		if strings.Contains(lower, v.substr) {
			return v.vendor
		}
	}
	return ""
}

// descrTypeHints maps sysDescr substrings to a device type, most specific
// first. Product families before generic words.
var descrTypeHints = []struct {
	substr string
	typ    model.DeviceType
}{
	{"simatic", model.DeviceTypePLC},
	{"s7-", model.DeviceTypePLC},
	{"controllogix", model.DeviceTypePLC},
	{"compactlogix", model.DeviceTypePLC},
	{"modicon", model.DeviceTypePLC},
	{"plc", model.DeviceTypePLC},
	{"rtu", model.DeviceTypeRTU},
	{"scada", model.DeviceTypeSCADAServer},
	{"panelview", model.DeviceTypeHMI},
	{"hmi", model.DeviceTypeHMI},
	{"historian", model.DeviceTypeHistorian},
	{"data diode", model.DeviceTypeDataDiode},
	{"firewall", model.DeviceTypeFirewall},
	{"asa", model.DeviceTypeFirewall},
	{"fortigate", model.DeviceTypeFirewall},
	{"gateway", model.DeviceTypeGateway},
	{"router", model.DeviceTypeRouter},
	{"switch", model.DeviceTypeSwitch},
}

// sysServices layer bits, RFC 1213: bit n-1 set means layer n service.
const (
	servicesDatalink = 1 << 1
	servicesInternet = 1 << 2
	servicesApps     = 1 << 6
)

// snmpTypeHint derives a device type from sysDescr text, falling back to
// the sysServices layer bits for unlabeled network gear.
func snmpTypeHint(sysDescr string, sysServices int) model.DeviceType {
	lower := strings.ToLower(sysDescr)
	for _, h := range descrTypeHints {
		if strings.Contains(lower, h.substr) {
			return h.typ
		}
	}
	if sysServices&servicesApps != 0 {
		return model.DeviceTypeUnknown
	}
	if sysServices&servicesInternet != 0 {
		return model.DeviceTypeRouter
	}
	if sysServices&servicesDatalink != 0 {
		return model.DeviceTypeSwitch
	}
	return model.DeviceTypeUnknown
}
