// Package config loads the daemon configuration from a file and the
// QUERYFORGE_* environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/queryforge/queryforge/pkg/sandbox"
)

// Server is one reachable database endpoint.
type Server struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Config is the full daemon configuration.
type Config struct {
	// Address is the HTTP listen address.
	Address string `mapstructure:"address"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`

	// DatasetPath is the sqlite file holding the dataset catalog.
	DatasetPath string `mapstructure:"dataset_path"`

	// SessionRedisAddr is the metadata store used to rebuild sessions
	// across processes. Empty disables cross-process recovery.
	SessionRedisAddr string `mapstructure:"session_redis_addr"`

	Postgres        Server `mapstructure:"postgres"`
	PostgresStudent Server `mapstructure:"postgres_student"`

	MariaDB        Server `mapstructure:"mariadb"`
	MariaDBStudent Server `mapstructure:"mariadb_student"`
	// MariaDBRootPassword lets the session manager create and drop
	// per-session databases.
	MariaDBRootPassword string `mapstructure:"mariadb_root_password"`

	MongoDB Server `mapstructure:"mongodb"`
	Redis   Server `mapstructure:"redis"`
}

// setDefaults mirrors the static docker-compose topology the sandbox
// servers are deployed under.
func setDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("debug", false)
	v.SetDefault("dataset_path", "datasets.db")
	v.SetDefault("session_redis_addr", "sql-session-redis:6379")

	v.SetDefault("postgres.host", "sql-sandbox-postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "sandbox")
	v.SetDefault("postgres.user", "sandbox")
	v.SetDefault("postgres.password", "sandbox")
	v.SetDefault("postgres_student.user", "sandbox_student")
	// Empty defaults keep env-only overrides visible to Unmarshal.
	v.SetDefault("postgres_student.password", "")

	v.SetDefault("mariadb.host", "sql-sandbox-mariadb")
	v.SetDefault("mariadb.port", 3306)
	v.SetDefault("mariadb.database", "sandbox")
	v.SetDefault("mariadb.user", "sandbox")
	v.SetDefault("mariadb.password", "sandbox")
	v.SetDefault("mariadb_student.user", "sandbox_student")
	v.SetDefault("mariadb_student.password", "")
	v.SetDefault("mariadb_root_password", "rootpassword")

	v.SetDefault("mongodb.host", "sql-sandbox-mongodb")
	v.SetDefault("mongodb.port", 27017)
	v.SetDefault("mongodb.database", "sandbox")

	v.SetDefault("redis.host", "sql-sandbox-redis")
	v.SetDefault("redis.port", 6379)
}

// Load reads the configuration from the given file (optional) and the
// environment. Environment variables use the QUERYFORGE_ prefix with
// underscores for nesting, e.g. QUERYFORGE_POSTGRES_HOST.
func Load(path string) (*Config, error) {
	return loadFrom(viper.GetViper(), path)
}

func loadFrom(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("queryforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the daemon relies on.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("dataset_path must not be empty")
	}
	for _, s := range []struct {
		name   string
		server Server
	}{
		{"postgres", c.Postgres},
		{"mariadb", c.MariaDB},
		{"mongodb", c.MongoDB},
		{"redis", c.Redis},
	} {
		if s.server.Host == "" {
			return fmt.Errorf("%s.host must not be empty", s.name)
		}
		if s.server.Port <= 0 || s.server.Port > 65535 {
			return fmt.Errorf("%s.port must be in range 1-65535, got %d", s.name, s.server.Port)
		}
	}
	return nil
}

// Endpoints converts the configuration into the execution core's
// endpoint set. Student endpoints inherit the admin server address and
// only override credentials.
func (c *Config) Endpoints() sandbox.Endpoints {
	eps := sandbox.Endpoints{
		PostgreSQL: endpoint(c.Postgres),
		MariaDB:    endpoint(c.MariaDB),
		MongoDB:    endpoint(c.MongoDB),
		Redis:      endpoint(c.Redis),
	}

	if c.PostgresStudent.User != "" {
		student := studentEndpoint(c.Postgres, c.PostgresStudent)
		eps.PostgreSQLStudent = &student
	}
	if c.MariaDBStudent.User != "" {
		student := studentEndpoint(c.MariaDB, c.MariaDBStudent)
		eps.MariaDBStudent = &student
	}

	root := endpoint(c.MariaDB)
	root.User = "root"
	root.Password = c.MariaDBRootPassword
	root.Database = ""
	eps.MariaDBRoot = root

	return eps
}

func endpoint(s Server) sandbox.Endpoint {
	return sandbox.Endpoint{
		Host:     s.Host,
		Port:     s.Port,
		Database: s.Database,
		User:     s.User,
		Password: s.Password,
	}
}

func studentEndpoint(admin, student Server) sandbox.Endpoint {
	ep := endpoint(admin)
	ep.User = student.User
	if student.Password != "" {
		ep.Password = student.Password
	}
	if student.Host != "" {
		ep.Host = student.Host
	}
	if student.Port != 0 {
		ep.Port = student.Port
	}
	if student.Database != "" {
		ep.Database = student.Database
	}
	return ep
}
