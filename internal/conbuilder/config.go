package conbuilder

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultConf = `# conbuilder configuration

# where all the layers are stored
CACHE_DIR = /var/cache/conbuilder

# where to copy the generated .deb .changes .dsc ... files
EXPORT_DIR = ../build-area/

# Debian mirror used by debootstrap
DEBIAN_MIRROR = http://deb.debian.org/debian

# one or more capabilities to drop during the build.
# L1 and L2 creation is not affected. See man systemd-nspawn.
# DROP_CAPABILITY = CAP_CHOWN,CAP_KILL,CAP_SYS_ADMIN
DROP_CAPABILITY =

# syscall filter applied during the build. See man systemd-nspawn.
SYSTEM_CALL_FILTER =

# disconnect the build container from the network
PRIVATE_NETWORK = 1

# purge layer 2 trees older than:
L2_MAX_AGE_DAYS = 30

# *also* purge older layers 2 if there are more than:
L2_MAX_NUMBER = 10

# wrap exported artifacts into a single tarball: zst, gz, xz or empty
BUNDLE_FORMAT =

# colored output
COLOR = 1
COLOR_INFO = #006295
COLOR_ERROR = #C80000
COLOR_SUCCESS = #00C800

# optional S3-compatible remote for exported artifacts
# S3_ENDPOINT =
# S3_BUCKET =
# S3_REGION = auto
# S3_ACCESS_KEY_ID =
# S3_SECRET_ACCESS_KEY =
`

// Config carries every knob for one invocation. Components receive it (or the
// fields they need) explicitly.
type Config struct {
	CacheDir         string
	ExportDir        string
	Mirror           string
	DropCapability   string
	SystemCallFilter string
	PrivateNetwork   bool
	MaxAgeDays       int
	MaxCount         int
	BundleFormat     string

	ColorEnabled bool
	ColorInfo    string
	ColorError   string
	ColorSuccess string
	Debug        bool

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	Values map[string]string
}

// DefaultConfigPath returns ~/.config/conbuilder.conf, honoring
// XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	confighome := os.Getenv("XDG_CONFIG_HOME")
	if confighome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		confighome = filepath.Join(home, ".config")
	}
	return filepath.Join(confighome, "conbuilder.conf")
}

// WriteDefaultConfig generates the default configuration file.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultConf), 0o644)
}

// LoadConfig reads a KEY = value configuration file, merges CONBUILDER_* env
// overrides and applies defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge CONBUILDER_* env overrides, e.g. CONBUILDER_CACHE_DIR
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "CONBUILDER_") {
			parts := strings.SplitN(strings.TrimPrefix(env, "CONBUILDER_"), "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) error {
	get := func(key, def string) string {
		if v, ok := cfg.Values[key]; ok && v != "" {
			return v
		}
		return def
	}
	getInt := func(key string, def int) int {
		v, ok := cfg.Values[key]
		if !ok || v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	}

	cfg.CacheDir = get("CACHE_DIR", "/var/cache/conbuilder")
	if cfg.CacheDir == "" || filepath.Clean(cfg.CacheDir) == "/" {
		return &ConfigError{Key: "CACHE_DIR", Reason: "invalid cache dir"}
	}
	cfg.ExportDir = get("EXPORT_DIR", "../build-area/")
	cfg.Mirror = get("DEBIAN_MIRROR", "http://deb.debian.org/debian")
	cfg.DropCapability = strings.ReplaceAll(get("DROP_CAPABILITY", ""), ", ", ",")
	cfg.SystemCallFilter = get("SYSTEM_CALL_FILTER", "")
	cfg.PrivateNetwork = get("PRIVATE_NETWORK", "1") == "1"
	cfg.MaxAgeDays = getInt("L2_MAX_AGE_DAYS", 30)
	cfg.MaxCount = getInt("L2_MAX_NUMBER", 10)

	cfg.BundleFormat = get("BUNDLE_FORMAT", "")
	switch cfg.BundleFormat {
	case "", "zst", "gz", "xz":
	default:
		return &ConfigError{Key: "BUNDLE_FORMAT", Reason: "must be zst, gz, xz or empty"}
	}

	cfg.ColorEnabled = get("COLOR", "1") == "1"
	cfg.ColorInfo = get("COLOR_INFO", "#006295")
	cfg.ColorError = get("COLOR_ERROR", "#C80000")
	cfg.ColorSuccess = get("COLOR_SUCCESS", "#00C800")
	cfg.Debug = get("DEBUG", "0") == "1"

	cfg.S3Endpoint = get("S3_ENDPOINT", "")
	cfg.S3Bucket = get("S3_BUCKET", "")
	cfg.S3Region = get("S3_REGION", "auto")
	cfg.S3AccessKey = get("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretKey = get("S3_SECRET_ACCESS_KEY", "")
	return nil
}
