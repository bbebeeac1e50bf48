// Package config loads service settings from an optional YAML file, a .env
// file and GRAPHDRIVE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jun/graphdrive/internal/adapter/msgraph"
)

// EnvPrefix namespaces the environment overrides: GRAPHDRIVE_GRAPH_SITE_ID
// sets graph.site_id.
const EnvPrefix = "GRAPHDRIVE_"

type Config struct {
	DevMode bool         `koanf:"dev_mode"`
	Server  ServerConfig `koanf:"server"`
	Graph   GraphConfig  `koanf:"graph"`
	AWS     AWSConfig    `koanf:"aws"`
	Log     LogConfig    `koanf:"log"`
	Auth    AuthConfig   `koanf:"auth"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// SpoolDir holds request bodies of in-flight uploads.
	SpoolDir string `koanf:"spool_dir"`
}

type GraphConfig struct {
	Mode             string        `koanf:"mode"` // personal | site
	SiteID           string        `koanf:"site_id"`
	DriveName        string        `koanf:"drive_name"`
	BaseURL          string        `koanf:"base_url"`
	Tenant           string        `koanf:"tenant"`
	ClientID         string        `koanf:"client_id"`
	ConflictBehavior string        `koanf:"conflict_behavior"`
	ChunkSize        int64         `koanf:"chunk_size"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
}

type AWSConfig struct {
	Region      string `koanf:"region"`
	TokenTable  string `koanf:"token_table"`
	LeaseTable  string `koanf:"lease_table"`
	FileTable   string `koanf:"file_table"`
	KMSKeyID    string `koanf:"kms_key_id"`
	UploadQueue string `koanf:"upload_queue"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text | json
}

type AuthConfig struct {
	// Parameter names resolved through internal/secret.
	JWTSecretParam    string `koanf:"jwt_secret_param"`
	ClientSecretParam string `koanf:"client_secret_param"`

	FrontendURL string `koanf:"frontend_url"`
	RedirectURL string `koanf:"redirect_url"`
	DemoPrefix  string `koanf:"demo_prefix"`
}

// Load reads configuration. path may be empty; a missing .env is ignored.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps GRAPHDRIVE_GRAPH_SITE_ID to graph.site_id. Only the first
// underscore after the prefix separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "dev_mode" {
		return s
	}
	return strings.Replace(s, "_", ".", 1)
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.SpoolDir, os.TempDir())
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	setDefault(&c.Graph.Mode, "personal")
	setDefault(&c.Graph.Tenant, "common")
	setDefault(&c.Graph.ConflictBehavior, "rename")
	setDefault(&c.AWS.TokenTable, "UserTokens")
	setDefault(&c.AWS.LeaseTable, "UploadLeases")
	setDefault(&c.AWS.FileTable, "FileStore")
	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "text")
	setDefault(&c.Auth.JWTSecretParam, "/graphdrive/jwt-secret")
	setDefault(&c.Auth.ClientSecretParam, "/graphdrive/graph-client-secret")
	setDefault(&c.Auth.FrontendURL, "http://localhost:3000")
	setDefault(&c.Auth.DemoPrefix, "demo-user-")
}

func setDefault(field *string, v string) {
	if *field == "" {
		*field = v
	}
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Graph.Mode {
	case "personal", "onedrive", "site", "sharepoint":
	default:
		return fmt.Errorf("invalid graph.mode %q", c.Graph.Mode)
	}
	if (c.Graph.Mode == "site" || c.Graph.Mode == "sharepoint") && c.Graph.SiteID == "" && !c.DevMode {
		return errors.New("graph.site_id is required in site mode")
	}
	switch c.Graph.ConflictBehavior {
	case "rename", "replace", "fail":
	default:
		return fmt.Errorf("invalid graph.conflict_behavior %q", c.Graph.ConflictBehavior)
	}
	if c.Graph.ChunkSize < 0 || c.Graph.ChunkSize%msgraph.ChunkAlignment != 0 {
		return fmt.Errorf("invalid graph.chunk_size %d: must be a multiple of %d", c.Graph.ChunkSize, msgraph.ChunkAlignment)
	}
	return nil
}

// SiteMode reports whether the drive is a site library.
func (c *Config) SiteMode() bool {
	return c.Graph.Mode == "site" || c.Graph.Mode == "sharepoint"
}
