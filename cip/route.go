package cip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srdgame/libplctag-sub000/status"
)

// extended link address flag in a port segment
const portExtendedLink byte = 0x10

// ParseRoute encodes a comma separated route such as "1,0" (backplane,
// slot 0) or "1,2,2,10.1.1.5,1,0" into port segments. Elements come in
// port/link pairs; a link that is not a number is sent as an extended link
// address. A trailing DH+ "channel:node" element is recognised but bridging
// is not supported.
func ParseRoute(path string) (EPath_t, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	fields := strings.Split(path, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if last := fields[len(fields)-1]; strings.Contains(last, ":") {
		if _, _, err := parseDHPlus(last); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("route %q: DH+ bridging is not supported: %w", path, status.ErrUnsupported)
	}

	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("route %q: elements must come in port/link pairs: %w", path, status.ErrBadParam)
	}

	var out EPath_t
	for i := 0; i < len(fields); i += 2 {
		port, err := strconv.ParseUint(fields[i], 10, 8)
		if err != nil || port&0x0F == 0 || port&0x0F == 0x0F || port > 0x1F {
			return nil, fmt.Errorf("route %q: bad port %q: %w", path, fields[i], status.ErrBadParam)
		}
		link := fields[i+1]
		if link == "" {
			return nil, fmt.Errorf("route %q: empty link after port %d: %w", path, port, status.ErrBadParam)
		}

		if n, err := strconv.ParseUint(link, 10, 8); err == nil && byte(port)&portExtendedLink == 0 {
			out = append(out, byte(port), byte(n))
			continue
		}
		if len(link) > 255 {
			return nil, fmt.Errorf("route %q: link address too long: %w", path, status.ErrBadParam)
		}
		seg := EPath_t{byte(port) | portExtendedLink, byte(len(link))}
		seg = append(seg, link...)
		if len(seg)%2 != 0 {
			seg = append(seg, 0x00)
		}
		out = append(out, seg...)
	}
	return out, nil
}

// ConnectionPath is the route followed by the Message Router, as used in
// a ForwardOpen.
func ConnectionPath(route EPath_t) EPath_t {
	out := append(EPath_t{}, route...)
	return append(out, MessageRouterPath()...)
}

// parseDHPlus validates a "channel:node" element. Channels A/B or 2/3 are
// accepted; node is 0..255.
func parseDHPlus(s string) (channel byte, node byte, err error) {
	ch, n, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("DH+ element %q: %w", s, status.ErrBadParam)
	}
	switch strings.ToUpper(strings.TrimSpace(ch)) {
	case "A", "2":
		channel = 1
	case "B", "3":
		channel = 2
	default:
		return 0, 0, fmt.Errorf("DH+ element %q: bad channel: %w", s, status.ErrBadParam)
	}
	v, perr := strconv.ParseUint(strings.TrimSpace(n), 10, 8)
	if perr != nil {
		return 0, 0, fmt.Errorf("DH+ element %q: bad node: %w", s, status.ErrBadParam)
	}
	return channel, byte(v), nil
}
