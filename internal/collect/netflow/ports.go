package netflow

// industrialPorts maps well-known TCP/UDP server ports to the industrial
// protocol spoken on them. A flow whose source or destination port matches
// is tagged industrial.
var industrialPorts = map[int]string{
	102:   "S7comm",
	502:   "Modbus",
	1089:  "FF-HSE",
	1090:  "FF-HSE",
	1091:  "FF-HSE",
	1911:  "Fox",
	1962:  "PCWorx",
	2222:  "EtherNet/IP-IO",
	2404:  "IEC-104",
	4840:  "OPC-UA",
	4911:  "Fox",
	5007:  "MELSEC",
	9600:  "FINS",
	18245: "GE-SRTP",
	18246: "GE-SRTP",
	20000: "DNP3",
	20547: "ProConOS",
	34962: "PROFINET",
	34963: "PROFINET",
	34964: "PROFINET",
	44818: "EtherNet/IP",
	47808: "BACnet",
	55000: "FL-net",
	55001: "FL-net",
	55002: "FL-net",
	55003: "FL-net",
}

// classifyIndustrial tags the payload when either endpoint uses a known
// industrial protocol port. The destination port wins when both match
// since the server side names the protocol.
func classifyIndustrial(p *flowKey) (string, bool) {
	if name, ok := industrialPorts[p.dstPort]; ok {
		return name, true
	}
	if name, ok := industrialPorts[p.srcPort]; ok {
		return name, true
	}
	return "", false
}
