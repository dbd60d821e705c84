// Package config is the merged dynamic+local configuration surface (spec.md
// §3, §9: "Global config + tags") plus the layered loader (C9) that fills it
// from the embedded default, on-disk TOML, and environment overlay, grounded
// on the teacher's InitConfig/ViperConfig pattern in server/server.go.
package config

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the local, per-node configuration. Dynamic cluster-wide values
// (ttl, loop_wait, synchronous_mode, ...) live in dcs.DynamicConfig and are
// merged over this at runtime (spec.md §4.6 step 1/3: "apply dynamic config
// from snapshot").
type Config struct {
	Scope string `mapstructure:"scope"`
	Name  string `mapstructure:"name"`

	PostgresqlDataDir string `mapstructure:"postgresql_data_dir"`
	PostgresqlBinDir  string `mapstructure:"postgresql_bin_dir"`
	PostgresqlHost    string `mapstructure:"postgresql_host"`
	PostgresqlPort    int    `mapstructure:"postgresql_port"`
	PostgresqlUser    string `mapstructure:"postgresql_user"`
	PostgresqlDatabase string `mapstructure:"postgresql_database"`

	RestAPIListen   string `mapstructure:"restapi_listen"`
	RestAPIAuthKey  string `mapstructure:"restapi_auth_key"`
	RestAPIOIDCIssuer string `mapstructure:"restapi_oidc_issuer"`
	RestAPIOIDCClientID string `mapstructure:"restapi_oidc_client_id"`

	DCSBackend string `mapstructure:"dcs_backend"` // etcd | consul | kubernetes | memory

	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
	EtcdUsername  string   `mapstructure:"etcd_username"`
	EtcdPassword  string   `mapstructure:"etcd_password"`

	ConsulAddress string `mapstructure:"consul_address"`
	ConsulToken   string `mapstructure:"consul_token"`

	KubernetesNamespace string `mapstructure:"kubernetes_namespace"`

	TTL                  int     `mapstructure:"ttl"`
	LoopWait             int     `mapstructure:"loop_wait"`
	RetryTimeout         int     `mapstructure:"retry_timeout"`
	SynchronousMode      string  `mapstructure:"synchronous_mode"`
	SynchronousNodeCount int     `mapstructure:"synchronous_node_count"`
	MaximumLagOnFailover uint64  `mapstructure:"maximum_lag_on_failover"`
	MasterStartTimeout   int     `mapstructure:"master_start_timeout"`

	WatchdogDevice string `mapstructure:"watchdog_device"`
	WatchdogInterval int  `mapstructure:"watchdog_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogSyslog bool   `mapstructure:"log_syslog"`
	LogBufferSize int `mapstructure:"log_buffer_size"`

	ExtraValidatorFiles []string `mapstructure:"extra_validator_files"`
}

const envPrefix = "PGSENTRY"

// Load performs the layered read spec.md §9 calls for: a TOML file found on
// the search path, overlaid by PGSENTRY_<KEY> environment variables
// (teacher: SetEnvKeyReplacer("-", "_", ".", "_") against SetEnvPrefix
// "DEFAULT"; here renamed to this project's own prefix).
func Load(explicitPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	applyDefaults(v)

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/pgsentry/")
		v.AddConfigPath("./.pgsentry")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
		log.Warn("config: no config file found, using embedded defaults + environment")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.PostgresqlDataDir == "" {
		return Config{}, fmt.Errorf("config: %s_POSTGRESQL_DATA_DIR is required", envPrefix)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("scope", "pgsentry")
	v.SetDefault("postgresql_host", "127.0.0.1")
	v.SetDefault("postgresql_port", 5432)
	v.SetDefault("postgresql_user", "postgres")
	v.SetDefault("postgresql_database", "postgres")
	v.SetDefault("restapi_listen", "127.0.0.1:8008")
	v.SetDefault("dcs_backend", "etcd")
	v.SetDefault("ttl", 30)
	v.SetDefault("loop_wait", 10)
	v.SetDefault("retry_timeout", 10)
	v.SetDefault("synchronous_mode", "off")
	v.SetDefault("synchronous_node_count", 1)
	v.SetDefault("maximum_lag_on_failover", 1048576)
	v.SetDefault("master_start_timeout", 300)
	v.SetDefault("watchdog_interval", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_buffer_size", 500)
}
