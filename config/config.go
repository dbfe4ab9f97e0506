package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// Link transport names
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config represents the complete kernel bridge configuration
type Config struct {
	Version         string        `json:"version"`
	Ident           IdentConfig   `json:"ident"`
	Kernel          KernelConfig  `json:"kernel"`
	HTTP            HTTPConfig    `json:"http"`
	Link            LinkConfig    `json:"link"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// IdentConfig names the two ends of the messaging link
type IdentConfig struct {
	Main          string `json:"main"`
	KernelManager string `json:"kernel_manager"`
}

// KernelConfig describes how the kernel manager process is launched and stopped
type KernelConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	WorkDir        string            `json:"work_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PIDDir         string            `json:"pid_dir"`
	StopTimeout    time.Duration     `json:"stop_timeout"`
	RestartOnExit  bool              `json:"restart_on_exit"`
	RestartBackoff time.Duration     `json:"restart_backoff"`
}

// HTTPConfig configures the HTTP gateway
type HTTPConfig struct {
	Port           int           `json:"port"`
	BasePath       string        `json:"base_path"`
	CORSOrigins    []string      `json:"cors_origins,omitempty"`
	MaxRequestSize int64         `json:"max_request_size"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	SubmitRate     float64       `json:"submit_rate"`  // requests per second, 0 disables
	SubmitBurst    int           `json:"submit_burst"` // defaults to 1 when a rate is set
	TLS            TLSConfig     `json:"tls"`
}

// TLSConfig enables HTTPS on the gateway, optionally requiring client certificates
type TLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// LinkConfig configures the messaging link to the kernel manager
type LinkConfig struct {
	Transport    string        `json:"transport"`
	ListenAddr   string        `json:"listen_addr"`
	Path         string        `json:"path"`
	AdvertiseURL string        `json:"advertise_url,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PollInterval time.Duration `json:"poll_interval"`
	NATS         NATSConfig    `json:"nats"`
}

// NATSConfig defines NATS connection settings for the NATS link transport
type NATSConfig struct {
	URL            string        `json:"url"`
	SubjectPrefix  string        `json:"subject_prefix"`
	MaxReconnects  int           `json:"max_reconnects"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	Name           string        `json:"name,omitempty"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Version: "1",
		Ident: IdentConfig{
			Main:          "main",
			KernelManager: "kernel_manager",
		},
		Kernel: KernelConfig{
			Command:        defaultKernelCommand(),
			PIDDir:         "solidui/kernel_pids",
			StopTimeout:    5 * time.Second,
			RestartBackoff: time.Second,
		},
		HTTP: HTTPConfig{
			Port:           5010,
			BasePath:       "/solidui/kernel",
			CORSOrigins:    []string{"*"},
			MaxRequestSize: 1 << 20,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		Link: LinkConfig{
			Transport:    TransportWebSocket,
			ListenAddr:   "127.0.0.1:5011",
			Path:         "/link",
			WriteTimeout: 10 * time.Second,
			PollInterval: 100 * time.Millisecond,
			NATS: NATSConfig{
				URL:            "nats://127.0.0.1:4222",
				SubjectPrefix:  "kernelbridge",
				ConnectTimeout: 5 * time.Second,
			},
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultKernelName is the development kernel manager shipped with the bridge
const DefaultKernelName = "echokernel"

// defaultKernelCommand prefers the kernel manager installed next to the
// running binary and falls back to a PATH lookup of DefaultKernelName.
func defaultKernelCommand() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultKernelName
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return siblingCommand(exe, DefaultKernelName)
}

func siblingCommand(exe, name string) string {
	candidate := filepath.Join(filepath.Dir(exe), name)
	info, err := os.Stat(candidate)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return name
	}
	return candidate
}

// Validate checks the configuration and normalizes the HTTP base path
func (c *Config) Validate() error {
	if c.Ident.Main == "" || c.Ident.KernelManager == "" {
		return errors.New("ident.main and ident.kernel_manager are required")
	}
	if c.Ident.Main == c.Ident.KernelManager {
		return fmt.Errorf("ident.main and ident.kernel_manager must differ (both %q)", c.Ident.Main)
	}

	if strings.TrimSpace(c.Kernel.Command) == "" {
		return errors.New("kernel.command is required")
	}
	if c.Kernel.PIDDir == "" {
		return errors.New("kernel.pid_dir is required")
	}
	if c.Kernel.StopTimeout <= 0 {
		return fmt.Errorf("kernel.stop_timeout must be positive, got %s", c.Kernel.StopTimeout)
	}
	if c.Kernel.RestartOnExit && c.Kernel.RestartBackoff <= 0 {
		return errors.New("kernel.restart_backoff must be positive when restart_on_exit is set")
	}

	if err := c.validateHTTP(); err != nil {
		return err
	}
	if err := c.validateLink(); err != nil {
		return err
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func (c *Config) validateHTTP() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.HTTP.MaxRequestSize <= 0 {
		return errors.New("http.max_request_size must be positive")
	}
	if c.HTTP.SubmitRate < 0 || c.HTTP.SubmitBurst < 0 {
		return errors.New("http.submit_rate and http.submit_burst must not be negative")
	}
	if tls := c.HTTP.TLS; tls.Enabled {
		if tls.CertFile == "" || tls.KeyFile == "" {
			return errors.New("http.tls.cert_file and http.tls.key_file are required when TLS is enabled")
		}
		switch tls.MinVersion {
		case "", "1.2", "1.3":
		default:
			return fmt.Errorf("http.tls.min_version must be \"1.2\" or \"1.3\", got %q", tls.MinVersion)
		}
		if tls.RequireClientCert && len(tls.ClientCAFiles) == 0 {
			return errors.New("http.tls.client_ca_files is required when require_client_cert is set")
		}
	}

	base := "/" + strings.Trim(c.HTTP.BasePath, "/")
	c.HTTP.BasePath = path.Clean(base)
	if c.HTTP.BasePath == "/" {
		c.HTTP.BasePath = ""
	}
	return nil
}

func (c *Config) validateLink() error {
	if c.Link.PollInterval <= 0 {
		return errors.New("link.poll_interval must be positive")
	}
	if c.Link.WriteTimeout <= 0 {
		return errors.New("link.write_timeout must be positive")
	}

	switch c.Link.Transport {
	case TransportWebSocket:
		if _, _, err := net.SplitHostPort(c.Link.ListenAddr); err != nil {
			return fmt.Errorf("link.listen_addr: %w", err)
		}
		if !strings.HasPrefix(c.Link.Path, "/") {
			return fmt.Errorf("link.path must start with '/', got %q", c.Link.Path)
		}
	case TransportNATS:
		if c.Link.NATS.URL == "" {
			return errors.New("link.nats.url is required for the nats transport")
		}
		for _, part := range []string{c.Link.NATS.SubjectPrefix, c.Ident.Main, c.Ident.KernelManager} {
			if !isValidNATSSubjectPart(part) {
				return fmt.Errorf("%q is not valid in a NATS subject", part)
			}
		}
		if c.Link.NATS.ConnectTimeout <= 0 {
			return errors.New("link.nats.connect_timeout must be positive")
		}
	default:
		return fmt.Errorf("link.transport must be %q or %q, got %q", TransportWebSocket, TransportNATS, c.Link.Transport)
	}
	return nil
}

// isValidNATSSubjectPart reports whether s can be used as a NATS subject token
// or dotted prefix: letters, digits, dashes, underscores and dots.
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// LinkURL returns the address the kernel manager dials to reach the bridge
func (c *Config) LinkURL() string {
	switch c.Link.Transport {
	case TransportNATS:
		return c.Link.NATS.URL
	default:
		if c.Link.AdvertiseURL != "" {
			return c.Link.AdvertiseURL
		}
		return "ws://" + c.Link.ListenAddr + c.Link.Path
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
