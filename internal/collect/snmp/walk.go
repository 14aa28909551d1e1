package snmp

import (
	"cmp"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/fieldlight/otgraph/internal/model"
)

const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID = ".1.3.6.1.2.1.1.2.0"
	oidSysUpTime   = ".1.3.6.1.2.1.1.3.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
	oidSysLocation = ".1.3.6.1.2.1.1.6.0"
	oidSysServices = ".1.3.6.1.2.1.1.7.0"

	oidIfTable      = ".1.3.6.1.2.1.2.2.1"
	oidIPNetToMedia = ".1.3.6.1.2.1.4.22.1"
	oidDot1dTpFdb   = ".1.3.6.1.2.1.17.4.3.1"
	oidLLDPRemTable = ".1.0.8802.1.1.2.1.4.1.1"
	oidEntPhysical  = ".1.3.6.1.2.1.47.1.1.1.1"
)

// ifTable columns.
const (
	ifColDescr       = 2
	ifColType        = 3
	ifColSpeed       = 5
	ifColPhysAddress = 6
	ifColAdminStatus = 7
	ifColOperStatus  = 8
	ifColInOctets    = 10
	ifColOutOctets   = 16
)

// ipNetToMedia columns and type values.
const (
	arpColPhysAddress = 2
	arpColType        = 4

	arpTypeDynamic = 3
	arpTypeStatic  = 4
)

// dot1dTpFdb columns and status values.
const (
	fdbColAddress = 1
	fdbColPort    = 2
	fdbColStatus  = 3

	fdbStatusLearned = 3
	fdbStatusSelf    = 4
	fdbStatusMgmt    = 5
)

// lldpRemTable columns.
const (
	lldpColChassisID = 5
	lldpColPortID    = 7
	lldpColSysName   = 9
	lldpColSysDescr  = 10
)

// entPhysicalTable columns.
const (
	entColClass       = 5
	entColFirmwareRev = 9
	entColSoftwareRev = 10
	entColSerial      = 11
	entColMfgName     = 12
	entColModelName   = 13

	entClassChassis = 3
)

func walkInterfaces(session Session) ([]model.SNMPInterface, error) {
	pdus, err := session.BulkWalkAll(oidIfTable)
	if err != nil {
		return nil, err
	}

	rows := map[int]*model.SNMPInterface{}
	for _, pdu := range pdus {
		col, suffix, ok := splitColumnIndex(pdu.Name, oidIfTable)
		if !ok {
			continue
		}
		index, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		row, ok := rows[index]
		if !ok {
			row = &model.SNMPInterface{Index: index}
			rows[index] = row
		}
		switch col {
		case ifColDescr:
			row.Descr = pduString(pdu)
		case ifColType:
			row.Type = int(pduInt(pdu))
		case ifColSpeed:
			row.SpeedBps = uint64(pduInt(pdu))
		case ifColPhysAddress:
			if mac, err := pduMAC(pdu); err == nil {
				row.MAC = mac
			}
		case ifColAdminStatus:
			row.AdminStatus = int(pduInt(pdu))
		case ifColOperStatus:
			row.OperStatus = int(pduInt(pdu))
		case ifColInOctets:
			row.InOctets = uint64(pduInt(pdu))
		case ifColOutOctets:
			row.OutOctets = uint64(pduInt(pdu))
		}
	}

	out := make([]model.SNMPInterface, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b model.SNMPInterface) int { return cmp.Compare(a.Index, b.Index) })
	return out, nil
}

// walkARPTable reads ipNetToMedia rows. The row index encodes the interface
// index and the IPv4 address; the MAC comes from the phys-address column.
func walkARPTable(session Session) ([]model.ARPEntry, error) {
	pdus, err := session.BulkWalkAll(oidIPNetToMedia)
	if err != nil {
		return nil, err
	}

	rows := map[string]*model.ARPEntry{}
	for _, pdu := range pdus {
		col, suffix, ok := splitColumnIndex(pdu.Name, oidIPNetToMedia)
		if !ok {
			continue
		}
		labels := strings.Split(suffix, ".")
		if len(labels) != 5 {
			continue
		}
		ip := strings.Join(labels[1:], ".")
		if net.ParseIP(ip) == nil {
			continue
		}
		row, ok := rows[suffix]
		if !ok {
			row = &model.ARPEntry{IP: ip}
			rows[suffix] = row
		}
		switch col {
		case arpColPhysAddress:
			if mac, err := pduMAC(pdu); err == nil {
				row.MAC = mac
			}
		case arpColType:
			switch pduInt(pdu) {
			case arpTypeDynamic:
				row.Kind = "dynamic"
			case arpTypeStatic:
				row.Kind = "static"
			}
		}
	}

	out := make([]model.ARPEntry, 0, len(rows))
	for _, row := range rows {
		if row.MAC == "" {
			continue
		}
		out = append(out, *row)
	}
	slices.SortFunc(out, func(a, b model.ARPEntry) int { return cmp.Compare(a.IP, b.IP) })
	return out, nil
}

// walkFDBTable reads the bridge forwarding database. Rows flagged other or
// invalid are dropped; the bridge port number becomes the interface label.
func walkFDBTable(session Session) ([]model.FDBEntry, error) {
	pdus, err := session.BulkWalkAll(oidDot1dTpFdb)
	if err != nil {
		return nil, err
	}

	type fdbRow struct {
		mac    string
		port   int
		status int
	}
	rows := map[string]*fdbRow{}
	for _, pdu := range pdus {
		col, suffix, ok := splitColumnIndex(pdu.Name, oidDot1dTpFdb)
		if !ok {
			continue
		}
		row, ok := rows[suffix]
		if !ok {
			row = &fdbRow{}
			rows[suffix] = row
		}
		switch col {
		case fdbColAddress:
			if mac, err := pduMAC(pdu); err == nil {
				row.mac = mac
			}
		case fdbColPort:
			row.port = int(pduInt(pdu))
		case fdbColStatus:
			row.status = int(pduInt(pdu))
		}
	}

	out := make([]model.FDBEntry, 0, len(rows))
	for _, row := range rows {
		if row.mac == "" {
			continue
		}
		switch row.status {
		case fdbStatusLearned, fdbStatusSelf, fdbStatusMgmt:
		default:
			continue
		}
		entry := model.FDBEntry{MAC: row.mac}
		if row.port > 0 {
			entry.Interface = strconv.Itoa(row.port)
		}
		out = append(out, entry)
	}
	slices.SortFunc(out, func(a, b model.FDBEntry) int { return cmp.Compare(a.MAC, b.MAC) })
	return out, nil
}

// walkLLDPTable reads lldpRemTable. The row index is
// timeMark.localPortNum.index; the local port number is kept as the label.
func walkLLDPTable(session Session) ([]model.LLDPNeighbor, error) {
	pdus, err := session.BulkWalkAll(oidLLDPRemTable)
	if err != nil {
		return nil, err
	}

	rows := map[string]*model.LLDPNeighbor{}
	var keys []string
	for _, pdu := range pdus {
		col, suffix, ok := splitColumnIndex(pdu.Name, oidLLDPRemTable)
		if !ok {
			continue
		}
		labels := strings.Split(suffix, ".")
		if len(labels) != 3 {
			continue
		}
		row, ok := rows[suffix]
		if !ok {
			row = &model.LLDPNeighbor{LocalPort: labels[1]}
			rows[suffix] = row
			keys = append(keys, suffix)
		}
		switch col {
		case lldpColChassisID:
			row.ChassisID = renderID(pdu)
		case lldpColPortID:
			row.PortID = renderID(pdu)
		case lldpColSysName:
			row.SysName = pduString(pdu)
		case lldpColSysDescr:
			row.SysDescr = pduString(pdu)
		}
	}

	slices.Sort(keys)
	out := make([]model.LLDPNeighbor, 0, len(keys))
	for _, key := range keys {
		out = append(out, *rows[key])
	}
	return out, nil
}

// walkEntityTable distills entPhysicalTable down to the chassis row, falling
// back to the lowest index when no row is classed as a chassis.
func walkEntityTable(session Session) (*model.EntityInfo, error) {
	pdus, err := session.BulkWalkAll(oidEntPhysical)
	if err != nil {
		return nil, err
	}

	rows := map[int]map[int]gosnmp.SnmpPDU{}
	for _, pdu := range pdus {
		col, suffix, ok := splitColumnIndex(pdu.Name, oidEntPhysical)
		if !ok {
			continue
		}
		index, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if rows[index] == nil {
			rows[index] = map[int]gosnmp.SnmpPDU{}
		}
		rows[index][col] = pdu
	}
	if len(rows) == 0 {
		return nil, nil
	}

	chosen := -1
	for index, cols := range rows {
		if class, ok := cols[entColClass]; ok && int(pduInt(class)) == entClassChassis {
			if chosen == -1 || index < chosen {
				chosen = index
			}
		}
	}
	if chosen == -1 {
		for index := range rows {
			if chosen == -1 || index < chosen {
				chosen = index
			}
		}
	}

	cols := rows[chosen]
	info := &model.EntityInfo{
		Vendor:   pduString(cols[entColMfgName]),
		Model:    pduString(cols[entColModelName]),
		Serial:   pduString(cols[entColSerial]),
		Firmware: pduString(cols[entColFirmwareRev]),
	}
	if info.Firmware == "" {
		info.Firmware = pduString(cols[entColSoftwareRev])
	}
	if *info == (model.EntityInfo{}) {
		return nil, nil
	}
	return info, nil
}

// splitColumnIndex splits a walked OID into its column under root and the
// remaining row index labels.
func splitColumnIndex(name, root string) (col int, suffix string, ok bool) {
	rest, found := strings.CutPrefix(name, root+".")
	if !found {
		return 0, "", false
	}
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	col, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return col, parts[1], true
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return strings.TrimRight(string(v), "\x00 ")
	case string:
		return strings.TrimRight(v, "\x00 ")
	default:
		return ""
	}
}

func pduInt(pdu gosnmp.SnmpPDU) int64 {
	if pdu.Value == nil {
		return 0
	}
	n := gosnmp.ToBigInt(pdu.Value)
	if n == nil {
		return 0
	}
	return n.Int64()
}

func pduMAC(pdu gosnmp.SnmpPDU) (string, error) {
	b, ok := pdu.Value.([]byte)
	if !ok || len(b) == 0 {
		return "", fmt.Errorf("phys address is not an octet string")
	}
	return model.CanonicalMAC(net.HardwareAddr(b).String())
}

// renderID turns an LLDP identifier into text: printable bytes pass through,
// a 6-byte binary value is rendered as a MAC, anything else as hex.
func renderID(pdu gosnmp.SnmpPDU) string {
	b, ok := pdu.Value.([]byte)
	if !ok {
		return pduString(pdu)
	}
	printable := true
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			printable = false
			break
		}
	}
	if printable {
		return string(b)
	}
	if len(b) == 6 {
		if mac, err := model.CanonicalMAC(net.HardwareAddr(b).String()); err == nil {
			return mac
		}
	}
	return fmt.Sprintf("%x", b)
}
