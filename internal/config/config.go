package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/agentline/internal/telephony"
	"gopkg.in/yaml.v3"
)

// Config holds the agent daemon configuration
type Config struct {
	// Line settings
	Line     telephony.ConnectionConfig `yaml:"line"`
	AutoJoin bool                       `yaml:"auto_join"`

	// SIP transport settings
	BindHost          string        `yaml:"bind_host"`
	BindPort          int           `yaml:"bind_port"`
	PublicHost        string        `yaml:"public_host"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	InsecureTLS       bool          `yaml:"insecure_tls"`

	// Media settings
	ICEFile         string                `yaml:"ice_file"`
	ICEServers      []telephony.ICEServer `yaml:"ice_servers"`
	UDPPortMin      int                   `yaml:"udp_port_min"`
	UDPPortMax      int                   `yaml:"udp_port_max"`
	IncludeLoopback bool                  `yaml:"include_loopback"`

	// Call timers
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	TransferTimeout    time.Duration `yaml:"transfer_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`

	// Daemon settings
	APIAddr     string `yaml:"api_addr"`
	APIRate     int    `yaml:"api_rate"` // requests per minute per client
	HealthAddr  string `yaml:"health_addr"`
	JournalSize int    `yaml:"journal_size"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Line: telephony.ConnectionConfig{
			RegisterExpires: telephony.DefaultRegisterExpires,
			UserAgent:       telephony.DefaultUserAgent,
		},
		BindHost:           "0.0.0.0",
		BindPort:           5062,
		KeepaliveInterval:  30 * time.Second,
		RingTimeout:        telephony.DefaultRingTimeout,
		TransferTimeout:    telephony.DefaultTransferTimeout,
		NegotiationTimeout: telephony.DefaultNegotiationTimeout,
		APIAddr:            "127.0.0.1:8080",
		APIRate:            120,
		HealthAddr:         "127.0.0.1:9090",
		JournalSize:        500,
		LogLevel:           "info",
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file named by -config or AGENTLINE_CONFIG, command line flags and
// environment variables.
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("agentline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var path string
	fs.StringVar(&path, "config", os.Getenv("AGENTLINE_CONFIG"), "Path to YAML configuration file")

	fs.StringVar(&cfg.Line.URI, "uri", cfg.Line.URI, "Agent address of record (sip:user@domain)")
	fs.StringVar(&cfg.Line.TransportEndpoint, "endpoint", cfg.Line.TransportEndpoint, "Signaling endpoint (wss://host:port/path, udp://host:port, ...)")
	fs.StringVar(&cfg.Line.Realm, "realm", cfg.Line.Realm, "Authentication realm (defaults to the AOR domain)")
	fs.StringVar(&cfg.Line.DisplayName, "display-name", cfg.Line.DisplayName, "Display name in From headers")
	fs.StringVar(&cfg.Line.AuthUser, "auth-user", cfg.Line.AuthUser, "Digest username if it differs from the AOR user")
	fs.DurationVar(&cfg.Line.RegisterExpires, "expires", cfg.Line.RegisterExpires, "Requested registration lifetime")
	fs.BoolVar(&cfg.Line.Debug, "debug", cfg.Line.Debug, "Log full SIP messages")
	fs.BoolVar(&cfg.AutoJoin, "autojoin", cfg.AutoJoin, "Register (join the queue) at startup")

	fs.StringVar(&cfg.BindHost, "bind", cfg.BindHost, "SIP bind address for udp/tcp/tls")
	fs.IntVar(&cfg.BindPort, "port", cfg.BindPort, "SIP listening port for udp/tcp/tls")
	fs.StringVar(&cfg.PublicHost, "advertise", cfg.PublicHost, "Host to advertise in Contact headers")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive", cfg.KeepaliveInterval, "OPTIONS keepalive interval (0 disables)")
	fs.BoolVar(&cfg.InsecureTLS, "insecure-tls", cfg.InsecureTLS, "Skip TLS certificate verification")

	fs.StringVar(&cfg.ICEFile, "ice-file", cfg.ICEFile, "YAML file with ICE servers, reloaded on change")
	fs.BoolVar(&cfg.IncludeLoopback, "ice-loopback", cfg.IncludeLoopback, "Gather loopback ICE candidates")
	fs.IntVar(&cfg.UDPPortMin, "rtp-port-min", cfg.UDPPortMin, "Lowest media UDP port (0 = any)")
	fs.IntVar(&cfg.UDPPortMax, "rtp-port-max", cfg.UDPPortMax, "Highest media UDP port (0 = any)")

	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "Outbound ring timeout")
	fs.DurationVar(&cfg.TransferTimeout, "transfer-timeout", cfg.TransferTimeout, "Attended transfer completion timeout")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", cfg.NegotiationTimeout, "Media negotiation timeout")

	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "Control API listen address (empty disables)")
	fs.IntVar(&cfg.APIRate, "api-rate", cfg.APIRate, "Control API requests per minute per client")
	fs.StringVar(&cfg.HealthAddr, "health", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.IntVar(&cfg.JournalSize, "journal", cfg.JournalSize, "Number of events kept for the API")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFile, "logfile", cfg.LogFile, "Also write debug logs to this rotated file")

	if err := fs.Parse(args); err != nil {
		return nil, &telephony.ConfigError{Field: "flags", Reason: err.Error()}
	}

	// Remember explicit flags so the file cannot override them.
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
		for name, value := range explicit {
			if err := fs.Set(name, value); err != nil {
				return nil, &telephony.ConfigError{Field: name, Reason: err.Error()}
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.ICEFile != "" {
		servers, err := LoadICEServers(cfg.ICEFile)
		if err != nil {
			return nil, err
		}
		cfg.ICEServers = servers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &telephony.ConfigError{Field: "config", Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &telephony.ConfigError{Field: "config", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}

// applyEnv overrides with environment variables if set
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("AGENTLINE_URI", &cfg.Line.URI)
	str("AGENTLINE_CREDENTIAL", &cfg.Line.Credential)
	str("AGENTLINE_ENDPOINT", &cfg.Line.TransportEndpoint)
	str("AGENTLINE_REALM", &cfg.Line.Realm)
	str("AGENTLINE_ADVERTISE", &cfg.PublicHost)
	str("AGENTLINE_API_ADDR", &cfg.APIAddr)
	str("AGENTLINE_ICE_FILE", &cfg.ICEFile)
	str("LOGLEVEL", &cfg.LogLevel)

	if v := os.Getenv("AGENTLINE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return &telephony.ConfigError{Field: "AGENTLINE_PORT", Reason: "not a number"}
		}
		cfg.BindPort = p
	}
	if v := os.Getenv("AGENTLINE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &telephony.ConfigError{Field: "AGENTLINE_DEBUG", Reason: "not a boolean"}
		}
		cfg.Line.Debug = b
	}
	return nil
}

// Validate checks the line settings and the daemon's own.
func (c *Config) Validate() error {
	if err := c.Line.Validate(); err != nil {
		return err
	}
	var errs []error
	if c.BindPort <= 0 || c.BindPort > 65535 {
		errs = append(errs, &telephony.ConfigError{Field: "bind_port", Reason: "out of range"})
	}
	if c.UDPPortMin < 0 || c.UDPPortMax > 65535 || c.UDPPortMin > c.UDPPortMax {
		errs = append(errs, &telephony.ConfigError{Field: "udp_port_min", Reason: "invalid media port range"})
	}
	if c.APIRate < 0 {
		errs = append(errs, &telephony.ConfigError{Field: "api_rate", Reason: "must not be negative"})
	}
	if len(c.ICEServers) > 0 {
		if err := telephony.ValidateICEServers(c.ICEServers); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &telephony.ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	return errors.Join(errs...)
}
