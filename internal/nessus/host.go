package nessus

import (
	"net/netip"
	"strconv"
	"time"
)

// BuildHost turns the fields of a closed HostProperties block into a Host.
// It returns false when host-ip is missing or is not an IPv4/IPv6 literal;
// the caller treats that as "no host for this scope", not as an error.
func BuildHost(props Fields, declaredName string) (*Host, bool) {
	raw, ok := props[PropHostIP]
	if !ok {
		return nil, false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return nil, false
	}

	return &Host{
		Address:         addr,
		FQDN:            declaredName,
		RDNS:            props.Get(PropHostRDNS),
		OperatingSystem: props.Get(PropOperatingSystem),
		scanDate:        hostScanDate(props),
	}, true
}

// hostScanDate prefers the epoch HOST_END_TIMESTAMP and falls back to the
// HOST_END date text. Zero means neither was usable.
func hostScanDate(props Fields) time.Time {
	if raw, ok := props[PropHostEndTimestamp]; ok {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	if raw, ok := props[PropHostEnd]; ok {
		if t, err := time.Parse(hostEndLayout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
