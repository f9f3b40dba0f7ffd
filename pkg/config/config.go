// Package config loads application configuration from file, environment, and
// flags via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/crudkit/crudkit/pkg/entity"
)

// Config holds application-wide configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	PG           PGConfig           `mapstructure:"pg"`
	Routes       RoutesConfig       `mapstructure:"routes"`
	QueryBuilder QueryBuilderConfig `mapstructure:"query_builder"`
	Security     SecurityConfig     `mapstructure:"security"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type PGConfig struct {
	ConnString string `mapstructure:"conn_string"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RoutesConfig is the surface governing route generation.
type RoutesConfig struct {
	AutoGenerate            bool                    `mapstructure:"auto_generate_routes"`
	Prefix                  string                  `mapstructure:"route_prefix"`
	PreventConflicts        bool                    `mapstructure:"prevent_route_conflicts"`
	NamePattern             string                  `mapstructure:"route_name_pattern"`
	AutoResetOnConfigChange bool                    `mapstructure:"auto_reset_on_config_change"`
	DefaultMiddleware       []string                `mapstructure:"middleware"`
	MetadataBackend         string                  `mapstructure:"metadata_backend"` // memory or redis
	Redis                   RedisConfig             `mapstructure:"redis"`
	Models                  map[string]ModelConfig  `mapstructure:"models"`
	CRUDMethods             map[string]MethodConfig `mapstructure:"crud_methods"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ModelConfig describes one exposed entity: its storage mapping plus
// per-entity route overrides.
type ModelConfig struct {
	Table           string                         `mapstructure:"table"`
	PrimaryKey      string                         `mapstructure:"primary_key"`
	PKType          string                         `mapstructure:"pk_type"`
	Relationships   map[string]entity.Relationship `mapstructure:"relationships"`
	Controller      string                         `mapstructure:"controller"`
	Middleware      []string                       `mapstructure:"middleware"`
	IncludeMethods  []string                       `mapstructure:"include_methods"`
	ExcludeMethods  []string                       `mapstructure:"exclude_methods"`
	RouteNamePrefix string                         `mapstructure:"route_name_prefix"`
}

// Descriptor materializes the entity descriptor for a configured model.
func (m ModelConfig) Descriptor(name string) *entity.Descriptor {
	pkType := entity.PKAutoInt
	if m.PKType == string(entity.PKString) {
		pkType = entity.PKString
	}
	pk := m.PrimaryKey
	if pk == "" {
		pk = "id"
	}
	rels := make(map[string]entity.Relationship, len(m.Relationships))
	for relName, rel := range m.Relationships {
		if rel.Name == "" {
			rel.Name = relName
		}
		rels[relName] = rel
	}
	return &entity.Descriptor{
		Name:       name,
		Table:      m.Table,
		PrimaryKey: pk,
		PKType:     pkType,
		Relations:  rels,
	}
}

// MethodConfig overrides one CRUD catalog entry.
type MethodConfig struct {
	HTTPMethod   string            `mapstructure:"http_method"`
	RoutePattern string            `mapstructure:"route_pattern"`
	Where        map[string]string `mapstructure:"where"`
}

type QueryBuilderConfig struct {
	MaxPerPage     int           `mapstructure:"max_per_page"`
	DefaultPerPage int           `mapstructure:"default_per_page"`
	EnableCaching  bool          `mapstructure:"enable_caching"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

type SecurityConfig struct {
	MaxJSONDepth int `mapstructure:"max_json_depth"`
}

// Default returns the configuration used when a field is unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Routes: RoutesConfig{
			AutoGenerate:     true,
			Prefix:           "/api",
			PreventConflicts: true,
			NamePattern:      "{resource}.{method}",
			MetadataBackend:  "memory",
		},
		QueryBuilder: QueryBuilderConfig{
			MaxPerPage:     100,
			DefaultPerPage: 15,
		},
		Security: SecurityConfig{MaxJSONDepth: 10},
		Metrics:  MetricsConfig{Addr: ":9100"},
	}
}

// Load reads config from file or environment.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("crudkit")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CRUDKIT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	cfg := Default()
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}
