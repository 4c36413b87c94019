package telephony

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default protocol timers.
const (
	DefaultRegisterExpires = 600 * time.Second
	DefaultUserAgent       = "agentline"
)

// ConnectionConfig is the immutable set of parameters for one signaling
// connection.
type ConnectionConfig struct {
	// URI is the agent's address of record, e.g. sip:1001@pbx.example.com
	URI string `yaml:"uri"`
	// Credential is the password used to answer digest challenges
	Credential string `yaml:"credential"`
	// TransportEndpoint is ws://, wss://, udp://, tcp:// or tls:// host[:port][/path]
	TransportEndpoint string `yaml:"transport_endpoint"`
	// Realm defaults to the host part of URI
	Realm string `yaml:"realm"`
	Debug bool   `yaml:"debug"`

	DisplayName     string        `yaml:"display_name"`
	AuthUser        string        `yaml:"auth_user"`
	RegisterExpires time.Duration `yaml:"register_expires"`
	UserAgent       string        `yaml:"user_agent"`
}

// Validate checks every required field and returns a *ConfigError for the
// first problem found.
func (c ConnectionConfig) Validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return &ConfigError{Field: "uri", Reason: "required"}
	}
	if _, _, err := SplitAOR(c.URI); err != nil {
		return &ConfigError{Field: "uri", Reason: err.Error()}
	}
	if c.Credential == "" {
		return &ConfigError{Field: "credential", Reason: "required"}
	}
	if strings.TrimSpace(c.TransportEndpoint) == "" {
		return &ConfigError{Field: "transport_endpoint", Reason: "required"}
	}
	if _, err := ParseEndpoint(c.TransportEndpoint); err != nil {
		return &ConfigError{Field: "transport_endpoint", Reason: err.Error()}
	}
	if c.RegisterExpires < 0 {
		return &ConfigError{Field: "register_expires", Reason: "must not be negative"}
	}
	return nil
}

// User returns the user part of the address of record.
func (c ConnectionConfig) User() string {
	user, _, _ := SplitAOR(c.URI)
	return user
}

// Domain returns the host part of the address of record.
func (c ConnectionConfig) Domain() string {
	_, host, _ := SplitAOR(c.URI)
	return host
}

// EffectiveRealm returns Realm, falling back to the AOR domain.
func (c ConnectionConfig) EffectiveRealm() string {
	if c.Realm != "" {
		return c.Realm
	}
	return c.Domain()
}

// Expires returns the requested registration lifetime.
func (c ConnectionConfig) Expires() time.Duration {
	if c.RegisterExpires <= 0 {
		return DefaultRegisterExpires
	}
	return c.RegisterExpires
}

// SplitAOR splits sip:user@host[:port][;params] into user and host[:port].
func SplitAOR(uri string) (user, host string, err error) {
	rest := uri
	switch {
	case strings.HasPrefix(rest, "sip:"):
		rest = rest[len("sip:"):]
	case strings.HasPrefix(rest, "sips:"):
		rest = rest[len("sips:"):]
	default:
		return "", "", fmt.Errorf("%q is not a sip: or sips: URI", uri)
	}
	if i := strings.IndexAny(rest, ";?"); i >= 0 {
		rest = rest[:i]
	}
	at := strings.LastIndex(rest, "@")
	if at <= 0 || at == len(rest)-1 {
		return "", "", fmt.Errorf("%q must have the form sip:user@host", uri)
	}
	return rest[:at], rest[at+1:], nil
}

// Endpoint is a parsed transport endpoint.
type Endpoint struct {
	Scheme string // ws, wss, udp, tcp, tls
	Host   string
	Port   int
	Path   string
}

// Addr returns host:port with the scheme's default port filled in.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		switch e.Scheme {
		case "ws":
			port = 80
		case "wss":
			port = 443
		case "tls":
			port = 5061
		default:
			port = 5060
		}
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}

// IsWebSocket reports whether the endpoint uses a WebSocket transport.
func (e Endpoint) IsWebSocket() bool {
	return e.Scheme == "ws" || e.Scheme == "wss"
}

// URL returns the endpoint as a dialable URL string.
func (e Endpoint) URL() string {
	return e.Scheme + "://" + e.Addr() + e.Path
}

// ParseEndpoint parses a transport endpoint. A bare host:port means udp.
func ParseEndpoint(raw string) (Endpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "udp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws", "wss", "udp", "tcp", "tls":
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", raw)
	}
	ep := Endpoint{Scheme: scheme, Host: u.Hostname(), Path: u.Path}
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &ep.Port); err != nil || ep.Port <= 0 || ep.Port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q", p)
		}
	}
	return ep, nil
}

// ICEServer is one network-traversal helper handed to each new media session.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// ValidateICEServers checks a replacement ICE list: it must be non-empty and
// every entry must carry at least one stun:, turn: or turns: URL.
func ValidateICEServers(servers []ICEServer) error {
	if len(servers) == 0 {
		return &ConfigError{Field: "ice_servers", Reason: "list must not be empty"}
	}
	for i, s := range servers {
		if len(s.URLs) == 0 {
			return &ConfigError{Field: fmt.Sprintf("ice_servers[%d]", i), Reason: "no urls"}
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return &ConfigError{Field: fmt.Sprintf("ice_servers[%d]", i), Reason: fmt.Sprintf("%q is not a stun/turn url", u)}
			}
		}
	}
	return nil
}

// NormalizeTarget expands a bare extension or user@host into a full SIP URI
// in the agent's domain.
func NormalizeTarget(target, domain string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("empty target")
	}
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		if _, _, err := SplitAOR(target); err != nil {
			return "", err
		}
		return target, nil
	}
	if strings.Contains(target, "@") {
		return "sip:" + target, nil
	}
	if strings.ContainsAny(target, " <>\"") {
		return "", fmt.Errorf("invalid target %q", target)
	}
	return fmt.Sprintf("sip:%s@%s", target, domain), nil
}
