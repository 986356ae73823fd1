// Package config loads vmcored's process-level configuration from
// environment variables, following the teacher's cmd/api bootstrap style:
// a flat struct populated from getEnv helpers, with godotenv loading a
// .env file in development.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/joho/godotenv"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts version info from Go's embedded build info.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "unknown"
	}
	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

// Config holds vmcored's process-level configuration.
type Config struct {
	RunDir    string // per-VM sockets/pidfiles
	ConfigDir string // persisted qemu-server/<vmid>.conf files
	LockDir   string // global hugepage allocation lock

	QEMUBinaryOverride string // read from VMCORE_QEMU_BINARY; not consulted by lib/vmlifecycle, which always uses ResolveQEMUBinary
	HugepagesSize       int    // kB; 2048 or 1048576

	// OpenTelemetry configuration
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                    string

	// Logging configuration
	LogLevel string
}

// Load loads configuration from environment variables, loading a .env file
// first if present (failing silently if it is not).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		RunDir:    getEnv("VMCORE_RUN_DIR", "/run/vmcore"),
		ConfigDir: getEnv("VMCORE_CONFIG_DIR", "/etc/vmcore"),
		LockDir:   getEnv("VMCORE_LOCK_DIR", "/var/lock"),

		QEMUBinaryOverride: getEnv("VMCORE_QEMU_BINARY", ""),
		HugepagesSize:       getEnvInt("VMCORE_HUGEPAGES_KB", 2048),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "vmcored"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", getBuildVersion()),
		Env:                   getEnv("ENV", "unset"),

		LogLevel: getEnv("VMCORE_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.HugepagesSize != 2048 && c.HugepagesSize != 1048576 {
		return fmt.Errorf("VMCORE_HUGEPAGES_KB must be 2048 or 1048576, got %d", c.HugepagesSize)
	}
	return nil
}
