// Package config loads layered configuration for the client and the
// backend: built-in defaults, then an optional YAML file, then
// REPCHECK_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "REPCHECK_"

var validate = validator.New()

// Client configures the local tracker binary.
type Client struct {
	DBPath   string `koanf:"db_path" validate:"required"`
	CacheDir string `koanf:"cache_dir" validate:"required"`

	// Catalog sources are local directories or git URLs holding a
	// catalog.json each.
	Catalogs []string `koanf:"catalogs"`

	Endpoint string        `koanf:"endpoint" validate:"omitempty,url"`
	UserID   string        `koanf:"user_id"`
	Debounce time.Duration `koanf:"debounce" validate:"min=0"`
}

// Server configures the sync backend binary.
type Server struct {
	ListenAddr string `koanf:"listen_addr" validate:"required"`
	DBPath     string `koanf:"db_path" validate:"required"`

	JWTSecret  string        `koanf:"jwt_secret" validate:"required,min=32"`
	Issuer     string        `koanf:"issuer" validate:"required"`
	AccessTTL  time.Duration `koanf:"access_ttl" validate:"gt=0"`
	RefreshTTL time.Duration `koanf:"refresh_ttl" validate:"gt=0"`
	BcryptCost int           `koanf:"bcrypt_cost" validate:"min=0,max=31"`

	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

func DefaultClient() Client {
	home, _ := os.UserHomeDir()
	return Client{
		DBPath:   home + "/.repcheck/repcheck.db",
		CacheDir: home + "/.repcheck/catalogs",
		Debounce: 3 * time.Second,
	}
}

func DefaultServer() Server {
	return Server{
		ListenAddr:   ":8787",
		DBPath:       "repcheckd.db",
		Issuer:       "repcheckd",
		AccessTTL:    time.Hour,
		RefreshTTL:   60 * 24 * time.Hour,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// LoadClient resolves the client configuration. path may be empty; a
// missing file is only an error when the path was given explicitly.
func LoadClient(path string, flags *pflag.FlagSet) (Client, error) {
	cfg := DefaultClient()
	if err := load(&cfg, path, flags); err != nil {
		return Client{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Client{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadServer resolves the backend configuration. The JWT secret has no
// default and must come from the file, REPCHECK_JWT_SECRET, or a flag.
func LoadServer(path string, flags *pflag.FlagSet) (Server, error) {
	cfg := DefaultServer()
	if err := load(&cfg, path, flags); err != nil {
		return Server{}, err
	}
	if err := validate.Struct(cfg); err != nil {
		return Server{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load(dest any, path string, flags *pflag.FlagSet) error {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		// Flag names use dashes, config keys use underscores. FlagVal
		// keeps slice and numeric flags typed instead of stringifying
		// them.
		p := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(p, nil); err != nil {
			return fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := k.Unmarshal("", dest); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
