package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyLogLevel          = "log-level"
	KeyLogFile           = "log-file"
	KeyExtraSearchPrefix = "extra-search-prefix"
	KeyKernelToTrace     = "kernel-to-trace"
	KeyOutputFile        = "output-file"
	KeyPipeName          = "pipe-name"
	KeyStatsInterval     = "stats-interval"
	KeyProbeLibrary      = "probe-library"
	KeyTempDir           = "temp-dir"
	KeyHashWindow        = "hash-window"
)

const (
	DefaultHashWindow   = 1 << 20
	DefaultProbeLibrary = "/opt/rocm/lib/libhsa-runtime64.so.1"
)

type Config struct {
	LogLevel          int
	LogFile           string
	ExtraSearchPrefix string
	KernelToTrace     []string
	OutputFile        string
	PipeName          string
	StatsInterval     time.Duration
	ProbeLibrary      string
	TempDir           string
	HashWindow        int
}

// NewViper returns a viper instance bound to the NEXUS_ environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Kept unprefixed for compatibility with existing launch scripts.
	_ = v.BindEnv(KeyKernelToTrace, "KERNEL_TO_TRACE")

	v.SetDefault(KeyLogLevel, 0)
	v.SetDefault(KeyHashWindow, DefaultHashWindow)
	v.SetDefault(KeyProbeLibrary, DefaultProbeLibrary)
	v.SetDefault(KeyTempDir, os.TempDir())
	return v
}

func LoadConfig() *Config {
	return FromViper(NewViper())
}

func FromViper(v *viper.Viper) *Config {
	cfg := &Config{
		LogLevel:          v.GetInt(KeyLogLevel),
		LogFile:           v.GetString(KeyLogFile),
		ExtraSearchPrefix: v.GetString(KeyExtraSearchPrefix),
		KernelToTrace:     splitTokens(v.GetString(KeyKernelToTrace)),
		OutputFile:        v.GetString(KeyOutputFile),
		PipeName:          v.GetString(KeyPipeName),
		StatsInterval:     v.GetDuration(KeyStatsInterval),
		ProbeLibrary:      v.GetString(KeyProbeLibrary),
		TempDir:           v.GetString(KeyTempDir),
		HashWindow:        v.GetInt(KeyHashWindow),
	}
	if cfg.HashWindow <= 0 {
		cfg.HashWindow = DefaultHashWindow
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return cfg
}

func splitTokens(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
