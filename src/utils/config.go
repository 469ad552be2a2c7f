package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	arguments "github.com/newrelic/nri-perfmon/src/args"
	constants "github.com/newrelic/nri-perfmon/src/database-monitoring/constants"
	durablecache "github.com/newrelic/nri-perfmon/src/durable-cache"
	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// MonitoringConfig tunes tracking, retention and the periodic tasks.
type MonitoringConfig struct {
	SlowQueryThresholdMs    float64                     `yaml:"slow_query_threshold_ms"`
	RetentionWindow         time.Duration               `yaml:"retention_window"`
	MaxSamplesPerHash       int                         `yaml:"max_samples_per_hash"`
	DurableSamplesPerHash   int                         `yaml:"durable_samples_per_hash"`
	MaxSlowQueryLog         int                         `yaml:"max_slow_query_log"`
	MaxAPISamples           int                         `yaml:"max_api_samples"`
	MirrorTimeout           time.Duration               `yaml:"mirror_timeout"`
	MirrorQueueSize         int                         `yaml:"mirror_queue_size"`
	SweepInterval           time.Duration               `yaml:"sweep_interval"`
	PoolSampleInterval      time.Duration               `yaml:"pool_sample_interval"`
	AlertEvaluationInterval time.Duration               `yaml:"alert_evaluation_interval"`
	PublishInterval         time.Duration               `yaml:"publish_interval"`
	PoolMaxConnections      int                         `yaml:"pool_max_connections"`
	ExplainAttribution      bool                        `yaml:"explain_attribution"`
	CollaboratorTimeout     time.Duration               `yaml:"collaborator_timeout"`
	IndexCatalog            []constants.IndexDefinition `yaml:"index_catalog"`
}

// CacheConfig selects the durable cache. An empty Redis address selects the in-process cache.
type CacheConfig struct {
	Redis              durablecache.RedisConfig `yaml:"redis"`
	BreakerFailures    uint32                   `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration            `yaml:"breaker_open_timeout"`
	LocalLifeWindow    time.Duration            `yaml:"local_life_window"`
}

type HTTPConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	RoutePrefix string `yaml:"route_prefix"`
	AdminToken  string `yaml:"admin_token"`
}

type Config struct {
	HTTP          HTTPConfig                      `yaml:"http"`
	MySQLDSN      string                          `yaml:"mysql_dsn"`
	Cache         CacheConfig                     `yaml:"cache"`
	Monitoring    MonitoringConfig                `yaml:"monitoring"`
	Frontend      constants.FrontendBaselines     `yaml:"frontend_baselines"`
	Optimizations constants.OptimizationBaselines `yaml:"optimization_baselines"`
}

func LoadConfig(configFile string) (*Config, error) {
	file, err := os.Open(configFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configFile, err)
	}

	return &config, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = constants.DefaultListenAddr
	}
	if c.HTTP.RoutePrefix == "" {
		c.HTTP.RoutePrefix = constants.DefaultRoutePrefix
	}

	m := &c.Monitoring
	setFloat(&m.SlowQueryThresholdMs, constants.SlowQueryThresholdMs)
	setDuration(&m.RetentionWindow, constants.RetentionWindow)
	setInt(&m.MaxSamplesPerHash, constants.MaxSamplesPerHash)
	setInt(&m.DurableSamplesPerHash, constants.DurableSamplesPerHash)
	setInt(&m.MaxSlowQueryLog, constants.MaxSlowQueryLog)
	setInt(&m.MaxAPISamples, constants.MaxAPISamples)
	setDuration(&m.MirrorTimeout, constants.MirrorTimeout)
	setInt(&m.MirrorQueueSize, constants.MirrorQueueSize)
	setDuration(&m.SweepInterval, constants.SweepInterval)
	setDuration(&m.PoolSampleInterval, constants.PoolSampleInterval)
	setDuration(&m.AlertEvaluationInterval, constants.AlertEvaluationInterval)
	setInt(&m.PoolMaxConnections, constants.DefaultMaxConnections)
	setDuration(&m.CollaboratorTimeout, constants.CollaboratorTimeout)
	if m.IndexCatalog == nil {
		m.IndexCatalog = constants.DefaultIndexCatalog
	}

	if c.Cache.BreakerFailures == 0 {
		c.Cache.BreakerFailures = 5
	}
	setDuration(&c.Cache.BreakerOpenTimeout, 30*time.Second)
	setDuration(&c.Cache.LocalLifeWindow, constants.DurableSampleTTL)

	if c.Frontend == (constants.FrontendBaselines{}) {
		c.Frontend = constants.DefaultFrontendBaselines
	}
	if c.Optimizations == (constants.OptimizationBaselines{}) {
		c.Optimizations = constants.DefaultOptimizationBaselines
	}
}

// Override applies the non-empty command line values on top of the file configuration.
func (c *Config) Override(args arguments.ArgumentList) {
	if args.ListenAddr != "" {
		c.HTTP.ListenAddr = args.ListenAddr
	}
	if args.RoutePrefix != "" {
		c.HTTP.RoutePrefix = args.RoutePrefix
	}
	if args.AdminToken != "" {
		c.HTTP.AdminToken = args.AdminToken
	}
	if args.RedisAddr != "" {
		c.Cache.Redis.Address = args.RedisAddr
		c.Cache.Redis.Password = args.RedisPassword
		c.Cache.Redis.Database = args.RedisDB
	}
	if args.MysqlDSN != "" {
		c.MySQLDSN = args.MysqlDSN
	}
}

// Validate rejects values no component can work with. It expects ApplyDefaults to have run.
func (c *Config) Validate() error {
	m := c.Monitoring
	switch {
	case m.SlowQueryThresholdMs < 0:
		return fmt.Errorf("%w: slow_query_threshold_ms must not be negative", ErrInvalidConfig)
	case m.RetentionWindow < time.Hour:
		return fmt.Errorf("%w: retention_window must be at least 1h", ErrInvalidConfig)
	case m.MaxSamplesPerHash < 1, m.DurableSamplesPerHash < 1, m.MaxSlowQueryLog < 1, m.MaxAPISamples < 1:
		return fmt.Errorf("%w: buffer caps must be at least 1", ErrInvalidConfig)
	case m.SweepInterval < 0, m.PoolSampleInterval < 0, m.AlertEvaluationInterval < 0, m.PublishInterval < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	case m.MirrorTimeout < 0, m.CollaboratorTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	case len(c.HTTP.RoutePrefix) == 0 || c.HTTP.RoutePrefix[0] != '/':
		return fmt.Errorf("%w: route_prefix must start with /", ErrInvalidConfig)
	}
	if c.MySQLDSN != "" {
		if _, err := mysql.ParseDSN(c.MySQLDSN); err != nil {
			return fmt.Errorf("%w: mysql_dsn: %v", ErrInvalidConfig, err)
		}
	}
	for _, def := range m.IndexCatalog {
		if def.Name == "" || def.Table == "" {
			return fmt.Errorf("%w: index catalog entries need a name and a table", ErrInvalidConfig)
		}
	}
	return nil
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
