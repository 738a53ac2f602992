package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// rootKey is the YAML root wrapper; env vars use the VTRACE_ prefix that
// follows from it (e.g. VTRACE_ANALYSIS_STARTUP_DELAY).
const rootKey = "vtrace"

// configRoot is the top-level wrapper matching the YAML structure `vtrace: ...`.
type configRoot struct {
	Vtrace Config `mapstructure:"vtrace"`
}

// Load loads configuration from file. An empty path loads defaults and
// environment overrides only.
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with a hook that may set overrides on the viper
// instance before unmarshalling, such as bound command line flags.
func LoadWith(path string, override func(v *viper.Viper)) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `vtrace.` key prefix maps to `VTRACE_` via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if override != nil {
		override(v)
	}

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Vtrace

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Key returns the full viper key for a path below the root wrapper.
func Key(path string) string {
	return rootKey + "." + path
}

// setDefaults sets default values for configuration.
// All keys use the "vtrace." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault(Key("log.level"), "info")
	v.SetDefault(Key("log.format"), "text")
	v.SetDefault(Key("log.outputs.file.enabled"), false)
	v.SetDefault(Key("log.outputs.file.path"), "vtrace.log")
	v.SetDefault(Key("log.outputs.file.rotation.max_size_mb"), 100)
	v.SetDefault(Key("log.outputs.file.rotation.max_age_days"), 30)
	v.SetDefault(Key("log.outputs.file.rotation.max_backups"), 5)
	v.SetDefault(Key("log.outputs.file.rotation.compress"), true)

	// Capture defaults
	v.SetDefault(Key("capture.local_networks"), []string{})
	v.SetDefault(Key("capture.ports"), []uint16{})
	v.SetDefault(Key("capture.fragment_timeout"), "30s")
	v.SetDefault(Key("capture.bpf"), "")

	// Analysis defaults
	v.SetDefault(Key("analysis.max_workers"), 0)
	v.SetDefault(Key("analysis.startup_delay"), "2s")
	v.SetDefault(Key("analysis.near_stall_window"), "1s")
	v.SetDefault(Key("analysis.expected_segments"), 0)
	v.SetDefault(Key("analysis.keep_buffers"), false)

	// Metrics defaults
	v.SetDefault(Key("metrics.enabled"), false)
	v.SetDefault(Key("metrics.textfile"), "")
	v.SetDefault(Key("metrics.listen"), "")
	v.SetDefault(Key("metrics.path"), "/metrics")
	v.SetDefault(Key("metrics.runtime"), false)

	// Output defaults
	v.SetDefault(Key("output.format"), FormatText)
	v.SetDefault(Key("output.path"), "")
}

// decodeHook converts the string forms used in YAML and env vars.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook,
		mapstructure.StringToSliceHookFunc(","),
		stringToPrefixHook,
	)
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	prefixType   = reflect.TypeOf(netip.Prefix{})
)

// secondsToDurationHook accepts Go duration strings ("500ms") and plain
// numbers of seconds ("0.5", 2) for time.Duration fields.
func secondsToDurationHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if t != durationType {
		return data, nil
	}
	switch x := data.(type) {
	case string:
		x = strings.TrimSpace(x)
		if d, err := time.ParseDuration(x); err == nil {
			return d, nil
		}
		secs, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", x)
		}
		return time.Duration(secs * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	}
	return data, nil
}

// stringToPrefixHook parses CIDR strings; a bare address becomes a host
// prefix.
func stringToPrefixHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if t != prefixType || f.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", s, err)
	}
	return p, nil
}
