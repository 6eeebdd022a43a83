package secgw

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	CORS     CORSConfig     `mapstructure:"cors"`

	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// Address to listen on (e.g., ":8443")
	Addr string `mapstructure:"addr"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	TLS ServerTLSConfig `mapstructure:"tls"`
}

// ServerTLSConfig configures inbound TLS termination.
type ServerTLSConfig struct {
	// Enabled turns on TLS for the listener. When false the gateway serves
	// plaintext HTTP and every caller is anonymous.
	Enabled bool `mapstructure:"enabled"`

	// CertFile and KeyFile are the gateway's PEM server certificate and key.
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// ClientCAFile is the PEM bundle of CAs trusted to sign client certificates.
	ClientCAFile string `mapstructure:"client_ca_file"`

	// ClientAuth is the client certificate policy name, see ParseClientAuthType.
	ClientAuth string `mapstructure:"client_auth"`
}

// UpstreamConfig describes the single upstream service.
type UpstreamConfig struct {
	// URL is the upstream base URL, e.g. "https://backend:8443".
	URL string `mapstructure:"url"`

	// Timeout bounds each forwarded call.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxResponseBytes caps buffered upstream response bodies.
	MaxResponseBytes int64 `mapstructure:"max_response_bytes"`

	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`

	TLS UpstreamTLSConfig `mapstructure:"tls"`
}

// UpstreamTLSConfig locates the gateway's outbound key material. Locations
// are file paths or "embedded:<name>".
type UpstreamTLSConfig struct {
	KeyStore         string `mapstructure:"key_store"`
	KeyStorePassword string `mapstructure:"key_store_password"`
	// KeyStoreType is "pkcs12", "pem" or empty for auto-detection.
	KeyStoreType string `mapstructure:"key_store_type"`

	TrustStore         string `mapstructure:"trust_store"`
	TrustStorePassword string `mapstructure:"trust_store_password"`
	TrustStoreType     string `mapstructure:"trust_store_type"`

	// ServerName overrides the name verified in the upstream certificate.
	ServerName string `mapstructure:"server_name"`

	// ResourceDir is the directory "embedded:" locations are resolved
	// against when Resources is nil.
	ResourceDir string `mapstructure:"resource_dir"`

	// Resources serves "embedded:" locations, typically an embed.FS
	// compiled into the binary. It takes precedence over ResourceDir.
	Resources fs.FS `mapstructure:"-"`
}

// Enabled reports whether outbound key material is configured.
func (c UpstreamTLSConfig) Enabled() bool {
	return c.KeyStore != "" || c.TrustStore != ""
}

// GatewayConfig contains forwarding and access settings.
type GatewayConfig struct {
	// Prefix is the mount prefix of forwarded paths.
	Prefix string `mapstructure:"prefix"`

	// AccessRules is the ordered access rule list. Empty selects the
	// default policy protecting only the prefix.
	AccessRules []AccessRuleConfig `mapstructure:"access_rules"`

	// MaxBodyBytes caps inbound request bodies (0 = unlimited).
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// AccessRuleConfig is one access rule in config.
type AccessRuleConfig struct {
	Pattern      string `mapstructure:"pattern"`
	RequiresAuth bool   `mapstructure:"requires_auth"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// RateLimitConfig configures per-caller throttling. A zero Rate disables it.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8443",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			TLS: ServerTLSConfig{
				Enabled:    true,
				ClientAuth: "VerifyClientCertIfGiven",
			},
		},
		Upstream: UpstreamConfig{
			Timeout:             30 * time.Second,
			MaxResponseBytes:    10 * MB,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         10 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Prefix:       "/gateway",
			MaxBodyBytes: 10 * MB,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./secgw.yaml, ./secgw.yml, ./secgw.json, ./secgw.toml
// 3. $HOME/.secgw/secgw.yaml
// 4. /etc/secgw/secgw.yaml
//
// Every key can be overridden from the environment with the SECGW_ prefix,
// e.g. SECGW_UPSTREAM_URL or SECGW_UPSTREAM_TLS_KEY_STORE_PASSWORD.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigName("secgw")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.secgw")
	v.AddConfigPath("/etc/secgw")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file: defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw data of the given type
// ("yaml", "json", "toml"). Environment overrides still apply.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SECGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.client_ca_file", "")
	v.SetDefault("server.tls.client_auth", d.Server.TLS.ClientAuth)

	// Empty defaults register the keys so environment overrides apply.
	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.max_response_bytes", d.Upstream.MaxResponseBytes)
	v.SetDefault("upstream.max_idle_conns", d.Upstream.MaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", d.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", d.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.tls.key_store", "")
	v.SetDefault("upstream.tls.key_store_password", "")
	v.SetDefault("upstream.tls.key_store_type", "")
	v.SetDefault("upstream.tls.trust_store", "")
	v.SetDefault("upstream.tls.trust_store_password", "")
	v.SetDefault("upstream.tls.trust_store_type", "")
	v.SetDefault("upstream.tls.server_name", "")
	v.SetDefault("upstream.tls.resource_dir", "")

	v.SetDefault("gateway.prefix", d.Gateway.Prefix)
	v.SetDefault("gateway.max_body_bytes", d.Gateway.MaxBodyBytes)

	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)
	v.SetDefault("cors.allowed_methods", d.CORS.AllowedMethods)
	v.SetDefault("cors.allowed_headers", d.CORS.AllowedHeaders)

	v.SetDefault("ratelimit.rate", d.RateLimit.Rate)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// Validate checks the configuration for settings that would prevent the
// gateway from serving correctly.
func (c *Config) Validate() error {
	var errs []error

	u, err := c.UpstreamURL()
	if err != nil {
		errs = append(errs, err)
	} else if c.Upstream.TLS.Enabled() && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("upstream.url must use https when upstream.tls is configured"))
	}

	if c.Upstream.TLS.Enabled() && (c.Upstream.TLS.KeyStore == "" || c.Upstream.TLS.TrustStore == "") {
		errs = append(errs, fmt.Errorf("upstream.tls requires both key_store and trust_store"))
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires cert_file and key_file"))
		}
		if c.Server.TLS.ClientCAFile == "" {
			errs = append(errs, fmt.Errorf("server.tls requires client_ca_file"))
		}
		if _, err := ParseClientAuthType(c.Server.TLS.ClientAuth); err != nil {
			errs = append(errs, fmt.Errorf("server.tls.client_auth: %w", err))
		}
	}

	if !strings.HasPrefix(c.Gateway.Prefix, "/") || strings.TrimSuffix(c.Gateway.Prefix, "/") == "" {
		errs = append(errs, fmt.Errorf("gateway.prefix %q must be a non-root path starting with /", c.Gateway.Prefix))
	} else if _, err := c.BuildAccessPolicy(); err != nil {
		errs = append(errs, err)
	}

	if c.Gateway.MaxBodyBytes < 0 || c.Upstream.MaxResponseBytes < 0 {
		errs = append(errs, fmt.Errorf("size limits must not be negative"))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout must not be negative"))
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1) {
		errs = append(errs, fmt.Errorf("ratelimit requires rate >= 0 and burst >= 1 when enabled"))
	}

	return errors.Join(errs...)
}

// UpstreamURL parses and checks the upstream base URL.
func (c *Config) UpstreamURL() (*url.URL, error) {
	if c.Upstream.URL == "" {
		return nil, fmt.Errorf("upstream.url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream.url %q must be an absolute http(s) URL", c.Upstream.URL)
	}
	return u, nil
}

// BuildAccessPolicy creates the access policy from the gateway rules, or
// the default policy when none are configured.
func (c *Config) BuildAccessPolicy() (*AccessPolicy, error) {
	if len(c.Gateway.AccessRules) == 0 {
		return DefaultAccessPolicy(c.Gateway.Prefix), nil
	}
	rules := make([]AccessRule, 0, len(c.Gateway.AccessRules))
	for _, r := range c.Gateway.AccessRules {
		rules = append(rules, AccessRule{Pattern: r.Pattern, RequiresAuth: r.RequiresAuth})
	}
	return NewAccessPolicy(rules...)
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# secgw - Security Gateway configuration
# Every key may be overridden from the environment, e.g. SECGW_UPSTREAM_URL.

server:
  addr: ":8443"
  read_timeout: 30s
  read_header_timeout: 10s
  write_timeout: 60s
  idle_timeout: 120s
  shutdown_timeout: 30s

  tls:
    enabled: true
    # Gateway server identity presented to callers
    cert_file: "certs/server.crt"
    key_file: "certs/server.key"
    # CAs trusted to sign caller certificates
    client_ca_file: "certs/ca.crt"
    # VerifyClientCertIfGiven | RequireAndVerifyClientCert | NoClientCert
    client_auth: "VerifyClientCertIfGiven"

upstream:
  url: "https://localhost:9443"
  timeout: 30s
  max_response_bytes: 10485760

  tls:
    # Gateway client identity toward the upstream (PKCS#12 or PEM)
    key_store: "certs/gateway-keystore.p12"
    key_store_password: "changeit"
    # CAs trusted to sign the upstream certificate
    trust_store: "certs/gateway-truststore.p12"
    trust_store_password: "changeit"
    # Root for "embedded:<name>" locations
    # resource_dir: "/usr/share/secgw"

gateway:
  prefix: "/gateway"
  max_body_bytes: 10485760
  # First match wins; a permissive /** rule is implied at the end.
  access_rules:
    - pattern: "/gateway/**"
      requires_auth: true

cors:
  allowed_origins: ["*"]
  allowed_methods: ["GET", "POST", "PUT", "DELETE", "OPTIONS"]
  allowed_headers: ["*"]

# Per-caller throttling of forwarded requests (rate 0 disables)
ratelimit:
  rate: 0
  burst: 0

metrics:
  enabled: true

logging:
  # Log level: debug, info, warn, error
  level: "info"
  # Log format: text, json
  format: "text"
  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
