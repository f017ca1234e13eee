package egress

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var ErrBadLine = errors.New("egress: unparseable proxy line")

// DefaultScheme applies to lines that do not name one.
const DefaultScheme = "socks5"

var knownSchemes = map[string]bool{
	"socks5":  true,
	"socks5h": true,
	"socks4":  true,
	"http":    true,
	"https":   true,
}

// Endpoint is one outbound intermediary.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns host:port.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// URL returns the endpoint as a proxy URL usable by dialers.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Addr()}
	if e.Username != "" || e.Password != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String is the masked form, so endpoints can be logged directly.
func (e Endpoint) String() string { return Mask(&e) }

// Mask renders e with the password partially obscured.
// A nil endpoint renders as "direct".
func Mask(e *Endpoint) string {
	if e == nil {
		return "direct"
	}
	var b strings.Builder
	b.WriteString(e.Scheme)
	b.WriteString("://")
	if e.Username != "" || e.Password != "" {
		b.WriteString(e.Username)
		if e.Password != "" {
			b.WriteString(":")
			b.WriteString(maskSecret(e.Password))
		}
		b.WriteString("@")
	}
	b.WriteString(e.Addr())
	return b.String()
}

func maskSecret(s string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return "***"
	}
	return string(r[0]) + "***" + string(r[len(r)-1])
}

// Parse reads one proxy line. defaultScheme is used when the line carries none;
// empty means DefaultScheme.
func Parse(line, defaultScheme string) (Endpoint, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Endpoint{}, ErrBadLine
	}
	scheme := strings.ToLower(strings.TrimSpace(defaultScheme))
	if scheme == "" {
		scheme = DefaultScheme
	}

	if strings.Contains(line, "://") {
		return parseURL(line)
	}

	// user:pass@host:port
	if at := strings.LastIndex(line, "@"); at >= 0 {
		user, pass, ok := strings.Cut(line[:at], ":")
		if !ok || user == "" {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrBadLine, line)
		}
		host, port, err := splitHostPort(line[at+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrBadLine, line, err)
		}
		return Endpoint{Scheme: scheme, Host: host, Port: port, Username: user, Password: pass}, nil
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		host, port, err := splitHostPort(line)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrBadLine, line, err)
		}
		return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
	case 4:
		host, port, err := splitHostPort(parts[0] + ":" + parts[1])
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrBadLine, line, err)
		}
		if parts[2] == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: empty user", ErrBadLine, line)
		}
		return Endpoint{Scheme: scheme, Host: host, Port: port, Username: parts[2], Password: parts[3]}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}
}

func parseURL(line string) (Endpoint, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrBadLine, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !knownSchemes[scheme] {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadLine, u.Scheme)
	}
	host, port, err := splitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrBadLine, line, err)
	}
	e := Endpoint{Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		e.Username = u.User.Username()
		e.Password, _ = u.User.Password()
	}
	return e, nil
}

func splitHostPort(s string) (string, int, error) {
	host, ps, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", ps)
	}
	return host, port, nil
}
