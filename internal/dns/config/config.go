package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/tunblock/internal/dns/common/utils"
	"github.com/haukened/tunblock/internal/dns/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TUNBLOCK_"

// ConfigFileEnv names the variable holding the optional config file path.
const ConfigFileEnv = EnvPrefix + "CONFIG"

// RuleConfig is one configured rule list.
type RuleConfig struct {
	Title string `koanf:"title" validate:"required"`

	// Location is an http(s) URL, a file:// URI or a bare hostname.
	Location string `koanf:"location" validate:"required"`

	// Policy is "deny" (or "block"), "allow" or "ignore".
	Policy string `koanf:"policy" validate:"required,policy"`
}

// AppConfig holds the daemon configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	TunName string `koanf:"tun_name" validate:"required,max=15"`
	TunMTU  int    `koanf:"tun_mtu" validate:"gte=576,lte=65535"`

	// IPv6 enables IPv6 tunnel addresses and IPv6 upstream servers.
	IPv6 bool `koanf:"ipv6"`

	// Watchdog enables liveness probes through the tunnel.
	Watchdog bool `koanf:"watchdog"`

	// DNSMode selects how the host resolver is pointed at the tunnel:
	// "resolved", "resolvconf", "none", or "auto" to detect systemd-resolved.
	DNSMode string `koanf:"dns_mode" validate:"required,oneof=auto resolved resolvconf none"`

	// Upstream lists resolver IPs. When empty the system resolvers are used.
	Upstream []string `koanf:"upstream" validate:"ip_addr_list"`

	// AllowedApps restricts the tunnel to these users (names or uids).
	AllowedApps []string `koanf:"allowed_apps"`

	// DisallowedApps keeps these users out of the tunnel. Ignored when
	// AllowedApps is set.
	DisallowedApps []string `koanf:"disallowed_apps"`

	RouteTable int    `koanf:"route_table" validate:"gte=1,lte=2147483647"`
	FwMark     uint32 `koanf:"fw_mark" validate:"gte=1"`

	// CacheDir holds downloaded rule lists.
	CacheDir string `koanf:"cache_dir" validate:"required"`

	// StateDB is the bbolt file holding content-URI grants.
	StateDB string `koanf:"state_db" validate:"required"`

	// AdminAddr is the listen address of the admin API. Empty disables it.
	AdminAddr string `koanf:"admin_addr" validate:"omitempty,hostname_port"`

	// UpdateInterval schedules rule-list updates. Zero disables scheduling.
	UpdateInterval time.Duration `koanf:"update_interval" validate:"gte=0"`

	// MaxWorkers bounds concurrent upstream forwards per session.
	MaxWorkers int64 `koanf:"max_workers" validate:"gte=1"`

	Rules []RuleConfig `koanf:"rules" validate:"dive"`
}

// DEFAULT_APP_CONFIG defines the default configuration of the daemon.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:            "prod",
	LogLevel:       "info",
	TunName:        "tunblock0",
	TunMTU:         1500,
	IPv6:           true,
	Watchdog:       false,
	DNSMode:        "auto",
	Upstream:       []string{},
	RouteTable:     5353,
	FwMark:         0x5353,
	CacheDir:       "/var/cache/tunblock/",
	StateDB:        "/var/lib/tunblock/state.db",
	AdminAddr:      "127.0.0.1:8053",
	UpdateInterval: 24 * time.Hour,
	MaxWorkers:     64,
	Rules: []RuleConfig{
		{
			Title:    "StevenBlack's hosts file",
			Location: "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts",
			Policy:   "deny",
		},
	},
}

// RuleEntries converts the configured rule lists. Policies are assumed
// valid, which Load guarantees.
func (c *AppConfig) RuleEntries() []domain.RuleListEntry {
	out := make([]domain.RuleListEntry, 0, len(c.Rules))
	for _, r := range c.Rules {
		p, _ := domain.ParsePolicy(r.Policy)
		out = append(out, domain.RuleListEntry{Title: r.Title, Location: r.Location, Policy: p})
	}
	return out
}

// UpstreamAddrs parses the configured upstream servers.
func (c *AppConfig) UpstreamAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(c.Upstream))
	for _, s := range c.Upstream {
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, a.Unmap())
		}
	}
	return out
}

// validIPAddrList reports whether every element of a string slice is an IP address.
func validIPAddrList(fl validator.FieldLevel) bool {
	list, ok := fl.Field().Interface().([]string)
	if !ok {
		return false
	}
	for _, s := range list {
		if _, err := netip.ParseAddr(strings.TrimSpace(s)); err != nil {
			return false
		}
	}
	return true
}

// validPolicy reports whether the field names a rule-list policy.
func validPolicy(fl validator.FieldLevel) bool {
	_, err := domain.ParsePolicy(fl.Field().String())
	return err == nil
}

// envLoader loads environment variables with the prefix "TUNBLOCK_".
// Values holding spaces or commas become lists.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into k.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads a YAML, JSON or TOML file chosen by extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file type %q", path)
	}
	return k.Load(file.Provider(path), parser)
}

// registerValidation registers the custom "ip_addr_list" and "policy" tags.
var registerValidation = func(v *validator.Validate) error {
	return errors.Join(
		v.RegisterValidation("ip_addr_list", validIPAddrList),
		v.RegisterValidation("policy", validPolicy),
	)
}

// Load builds the configuration from defaults, the optional file named by
// TUNBLOCK_CONFIG and TUNBLOCK_* environment variables, in that order, and
// validates it.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if err := normalizeRules(cfg.Rules); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// normalizeRules converts bare-hostname locations to their ASCII form.
func normalizeRules(rules []RuleConfig) error {
	for i := range rules {
		loc := strings.TrimSpace(rules[i].Location)
		if strings.Contains(loc, "/") {
			rules[i].Location = loc
			continue
		}
		host, err := utils.ASCIIHostname(loc)
		if err != nil {
			return fmt.Errorf("rule %q: %w", rules[i].Title, err)
		}
		rules[i].Location = host
	}
	return nil
}
