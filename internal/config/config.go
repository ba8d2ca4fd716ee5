package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env          string       `yaml:"env" env-default:"local"`
	Tokens       TokensConfig `yaml:"tokens"`
	Storage      Storage      `yaml:"storage"`
	RefreshStore RefreshStore `yaml:"refresh_store"`
	HTTPServer   HTTPServer   `yaml:"http_server"`
}

type TokensConfig struct {
	Secret        string        `yaml:"secret" env:"TOKEN_SECRET" env-required:"true"`
	SigningMethod string        `yaml:"signing_method" env-default:"HS256"`
	AccessTTL     time.Duration `yaml:"access_ttl" env-default:"30s"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env-default:"4380h"`
	RefreshPepper string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
}

// Storage selects the credential store backend.
type Storage struct {
	Driver      string        `yaml:"driver" env-default:"sqlite"`
	Path        string        `yaml:"path" env-default:"./storage/auth.db"`
	Timeout     time.Duration `yaml:"timeout" env-default:"3s"`
	AutoMigrate bool          `yaml:"auto_migrate" env-default:"true"`
	Postgres    Postgres      `yaml:"postgres"`
	Mongo       Mongo         `yaml:"mongo"`
}

// RefreshStore selects where refresh token records live. Empty driver means
// the same backend as Storage.
type RefreshStore struct {
	Driver string `yaml:"driver"`
	Redis  Redis  `yaml:"redis"`
}

type Postgres struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
}

type Mongo struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env-default:"auth"`
}

type Redis struct {
	Addr      string `yaml:"addr" env-default:"localhost:6379"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix" env-default:"auth"`
}

type HTTPServer struct {
	Address        string        `yaml:"address" env-default:"localhost:8082"`
	Timeout        time.Duration `yaml:"timeout" env-default:"5s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env-default:"60s"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	AdminKey       string        `yaml:"admin_key" env:"ADMIN_KEY"`
}

// MustLoad reads the config from the path given by --config or CONFIG_PATH.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadPath(path)
}

func MustLoadPath(path string) *Config {
	cfg, err := LoadPath(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func LoadPath(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &NotFoundError{Path: path}
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.RefreshStore.Driver == "" {
		cfg.RefreshStore.Driver = cfg.Storage.Driver
	}

	return &cfg, nil
}

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "config file not found: " + e.Path
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
