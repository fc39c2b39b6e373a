package stratum

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// endpointRE matches stratum URLs of the form
// stratum+tcp://[user[:pass]@]host:port with an optional ssl transport.
var endpointRE = regexp.MustCompile(`^stratum\+(tcp|ssl)://(?:([^:@/]+)(?::([^@/]*))?@)?([^:/@]+):(\d{1,5})$`)

// Endpoint is one parsed pool address.
type Endpoint struct {
	Host string
	Port uint16
	TLS  bool

	// User and Pass come from the URL userinfo when present; config
	// fields override them.
	User string
	Pass string
}

// ParseEndpoint parses a stratum+tcp:// or stratum+ssl:// URL.
func ParseEndpoint(raw string) (Endpoint, error) {
	m := endpointRE.FindStringSubmatch(raw)
	if m == nil {
		return Endpoint{}, fmt.Errorf("invalid pool url %q (want stratum+tcp://host:port)", raw)
	}
	port, err := strconv.ParseUint(m[5], 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid pool port %q", m[5])
	}
	return Endpoint{
		Host: m[4],
		Port: uint16(port),
		TLS:  m[1] == "ssl",
		User: m[2],
		Pass: m[3],
	}, nil
}

// Addr returns the dialable host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	scheme := "tcp"
	if e.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("stratum+%s://%s", scheme, e.Addr())
}
