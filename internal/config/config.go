// Package config loads process configuration from an optional .env file and
// AGRITRACE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"agritrace/internal/blob"
	"agritrace/internal/core"
)

// EnvPrefix is prepended to every key when reading the environment.
const EnvPrefix = "AGRITRACE"

// Config is the resolved process configuration.
type Config struct {
	Storage   core.StorageConfig
	Blob      blob.Config
	Ledger    Ledger
	Directory Directory
	Engine    Engine
	HTTP      HTTP
	Log       Log
}

// Ledger selects and parameterises the ledger gateway.
type Ledger struct {
	Driver        string
	RPCURL        string
	AgriChain     string
	BatchToken    string
	ChainID       int64
	SignerKeys    []string
	CallTimeout   time.Duration
	SubmitTimeout time.Duration
	ReadRetries   int
	GasLimit      uint64
	RequireRoles  bool
	WithoutStatus bool
}

// Directory selects the participant directory backend.
type Directory struct {
	Driver string
	Path   string
}

// Engine tunes the lifecycle engine.
type Engine struct {
	CreateMode      core.CreateMode
	ReconcileOnRead bool
}

// HTTP configures the REST surface.
type HTTP struct {
	Addr      string
	JWTSecret string
}

// Log configures the process logger.
type Log struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"storage.driver":         string(core.StorageSQLite),
	"storage.sqlite_path":    "agritrace.db",
	"storage.postgres_dsn":   "",
	"storage.mongo_uri":      "",
	"storage.mongo_database": "agritrace",
	"blob.driver":            "",
	"blob.fs_root":           "data/provenance",
	"blob.s3_bucket":         "",
	"blob.s3_prefix":         "",
	"blob.s3_region":         "us-east-1",
	"blob.s3_endpoint":       "",
	"blob.s3_path_style":     false,
	"blob.s3_access_key_id":  "",
	"blob.s3_secret_key":     "",
	"blob.s3_session_token":  "",
	"ledger.driver":          "memory",
	"ledger.rpc_url":         "http://127.0.0.1:8545",
	"ledger.agrichain":       "",
	"ledger.batch_token":     "",
	"ledger.chain_id":        int64(1337),
	"ledger.signer_keys":     "",
	"ledger.call_timeout":    "10s",
	"ledger.submit_timeout":  "2m",
	"ledger.read_retries":    2,
	"ledger.gas_limit":       uint64(0),
	"ledger.require_roles":   false,
	"ledger.without_status":  false,
	"directory.driver":       "memory",
	"directory.path":         "data/directory",
	"engine.create_mode":     string(core.CreateOnChain),
	"engine.reconcile":       true,
	"http.addr":              ":8080",
	"http.jwt_secret":        "",
	"log.level":              "info",
	"log.format":             "json",
}

// Load reads envFiles (missing files are skipped; none means ".env") and then
// the environment. Environment values win over file values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return FromViper(v)
}

// FromViper resolves a Config from v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Storage: core.StorageConfig{
			Driver:        core.StorageDriver(strings.ToLower(v.GetString("storage.driver"))),
			SQLitePath:    v.GetString("storage.sqlite_path"),
			PostgresDSN:   v.GetString("storage.postgres_dsn"),
			MongoURI:      v.GetString("storage.mongo_uri"),
			MongoDatabase: v.GetString("storage.mongo_database"),
		},
		Blob: blob.Config{
			Driver: blob.Driver(strings.ToLower(v.GetString("blob.driver"))),
			FSRoot: v.GetString("blob.fs_root"),
			S3: blob.S3Config{
				Bucket:    v.GetString("blob.s3_bucket"),
				Prefix:    v.GetString("blob.s3_prefix"),
				Region:    v.GetString("blob.s3_region"),
				Endpoint:  v.GetString("blob.s3_endpoint"),
				PathStyle: v.GetBool("blob.s3_path_style"),

				AccessKeyID:     v.GetString("blob.s3_access_key_id"),
				SecretAccessKey: v.GetString("blob.s3_secret_key"),
				SessionToken:    v.GetString("blob.s3_session_token"),
			},
		},
		Ledger: Ledger{
			Driver:        strings.ToLower(v.GetString("ledger.driver")),
			RPCURL:        v.GetString("ledger.rpc_url"),
			AgriChain:     v.GetString("ledger.agrichain"),
			BatchToken:    v.GetString("ledger.batch_token"),
			ChainID:       v.GetInt64("ledger.chain_id"),
			SignerKeys:    splitList(v.GetString("ledger.signer_keys")),
			CallTimeout:   v.GetDuration("ledger.call_timeout"),
			SubmitTimeout: v.GetDuration("ledger.submit_timeout"),
			ReadRetries:   v.GetInt("ledger.read_retries"),
			GasLimit:      v.GetUint64("ledger.gas_limit"),
			RequireRoles:  v.GetBool("ledger.require_roles"),
			WithoutStatus: v.GetBool("ledger.without_status"),
		},
		Directory: Directory{
			Driver: strings.ToLower(v.GetString("directory.driver")),
			Path:   v.GetString("directory.path"),
		},
		Engine: Engine{
			CreateMode:      core.CreateMode(strings.ToLower(v.GetString("engine.create_mode"))),
			ReconcileOnRead: v.GetBool("engine.reconcile"),
		},
		HTTP: HTTP{
			Addr:      v.GetString("http.addr"),
			JWTSecret: v.GetString("http.jwt_secret"),
		},
		Log: Log{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated settings and driver prerequisites.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case core.StorageMemory, core.StorageSQLite, core.StoragePostgres, core.StorageMongo:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == core.StorageMongo && c.Storage.MongoURI == "" {
		errs = append(errs, errors.New("storage.mongo_uri is required for the mongo driver"))
	}
	switch c.Blob.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3_bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver))
	}
	switch c.Ledger.Driver {
	case "memory":
	case "evm":
		if c.Ledger.AgriChain == "" || c.Ledger.BatchToken == "" {
			errs = append(errs, errors.New("ledger.agrichain and ledger.batch_token are required for the evm driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver))
	}
	if c.Ledger.CallTimeout <= 0 || c.Ledger.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("ledger timeouts must be positive"))
	}
	if c.Ledger.ReadRetries < 0 {
		errs = append(errs, errors.New("ledger.read_retries must not be negative"))
	}
	switch c.Directory.Driver {
	case "memory", "leveldb":
	default:
		errs = append(errs, fmt.Errorf("directory.driver: unknown driver %q", c.Directory.Driver))
	}
	if !c.Engine.CreateMode.Valid() {
		errs = append(errs, fmt.Errorf("engine.create_mode: unknown mode %q", c.Engine.CreateMode))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
