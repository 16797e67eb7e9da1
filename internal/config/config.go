// Package config loads the race backend's YAML configuration and layers
// environment-variable overrides on top, following the same singleton and
// override idiom the rest of this codebase uses for every other service.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	UWB        UWBConfig        `yaml:"uwb"`
	Audit      AuditConfig      `yaml:"audit"`
	Solver     SolverConfig     `yaml:"solver"`
	Procedure  ProcedureConfig  `yaml:"procedure"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Spanner    SpannerConfig    `yaml:"spanner"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// UWBConfig configures the UDP ingester.
type UWBConfig struct {
	UDPPort        int            `yaml:"udp_port"`
	MulticastGroup string         `yaml:"multicast_group"`
	OCSThresholdM  float64        `yaml:"ocs_threshold_m"`
	MinFixQuality  int            `yaml:"min_fix_quality"`
	EpochMs        int            `yaml:"epoch_ms"`
	Anchors        []AnchorConfig `yaml:"anchors"`
}

// AnchorConfig fixes one line-frame anchor's surveyed position: the two
// line marks and the committee boat, whose positions the solver treats as
// known rather than estimating them.
type AnchorConfig struct {
	NodeID      uint32  `yaml:"node_id"`
	Designation string  `yaml:"designation"`
	XM          float64 `yaml:"x_m"`
	YM          float64 `yaml:"y_m"`
}

// AuditConfig configures the hash-chained journal.
type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// SolverConfig exposes tunables for the multilateration solver beyond its
// hardcoded constants.
type SolverConfig struct {
	IncrementalMaxIter int `yaml:"incremental_max_iter"`
	BatchMaxIter       int `yaml:"batch_max_iter"`
}

// ProcedureConfig configures the auto-timer delays a director override
// schedules.
type ProcedureConfig struct {
	PostponeAutoResumeSec       int `yaml:"postpone_auto_resume_sec"`
	GeneralRecallAutoResumeSec  int `yaml:"general_recall_auto_resume_sec"`
	IndividualRecallAutoClearSec int `yaml:"individual_recall_auto_clear_sec"`
}

// RedisConfig configures the pub/sub fan-out bus between the hub/engine
// and the broadcast layer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// PostgresConfig backs the protest replay index.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Enabled bool   `yaml:"enabled"`
}

// SpannerConfig backs the optional long-term audit mirror.
type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
	Enabled    bool   `yaml:"enabled"`
}

// PubSubConfig backs the optional external fan-out of audit/position events.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig backs the Cloud Tasks-based director auto-timers.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading it on first use.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env file", "error", err)
		}

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("RACE_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("UWB_UDP_PORT", 0); v > 0 {
		c.UWB.UDPPort = v
	}
	c.UWB.MulticastGroup = getEnv("UWB_MULTICAST_GROUP", c.UWB.MulticastGroup)
	if v := getEnvFloat("UWB_OCS_THRESHOLD_M", 0); v > 0 {
		c.UWB.OCSThresholdM = v
	}
	if v := getEnvInt("UWB_MIN_FIX_QUALITY", 0); v > 0 {
		c.UWB.MinFixQuality = v
	}
	if v := getEnvInt("UWB_EPOCH_MS", 0); v > 0 {
		c.UWB.EpochMs = v
	}
	if anchors := getEnv("UWB_ANCHORS", ""); anchors != "" {
		if parsed, err := parseAnchors(anchors); err != nil {
			slog.Warn("config: UWB_ANCHORS malformed, keeping configured/default anchors", "error", err)
		} else {
			c.UWB.Anchors = parsed
		}
	}

	c.Audit.LogPath = getEnv("AUDIT_LOG_PATH", c.Audit.LogPath)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	c.Postgres.DSN = getEnv("POSTGRES_DSN", c.Postgres.DSN)
	c.Postgres.Enabled = getEnvBool("POSTGRES_ENABLED", c.Postgres.Enabled)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Spanner.ProjectID = projectID
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Spanner.InstanceID)
	c.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Spanner.DatabaseID)
	c.Spanner.Enabled = getEnvBool("SPANNER_ENABLED", c.Spanner.Enabled)

	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.UWB.UDPPort == 0 {
		c.UWB.UDPPort = 5555
	}
	if c.UWB.MulticastGroup == "" {
		c.UWB.MulticastGroup = "239.255.0.1"
	}
	if c.UWB.OCSThresholdM == 0 {
		c.UWB.OCSThresholdM = 0.10
	}
	if c.UWB.MinFixQuality == 0 {
		c.UWB.MinFixQuality = 60
	}
	if c.UWB.EpochMs == 0 {
		c.UWB.EpochMs = 50
	}
	if len(c.UWB.Anchors) == 0 {
		c.UWB.Anchors = []AnchorConfig{
			{NodeID: 1, Designation: "markA", XM: -150, YM: 0},
			{NodeID: 2, Designation: "markB", XM: 150, YM: 0},
			{NodeID: 3, Designation: "committee", XM: 150, YM: 30},
		}
	}
	if c.Solver.IncrementalMaxIter == 0 {
		c.Solver.IncrementalMaxIter = 10
	}
	if c.Solver.BatchMaxIter == 0 {
		c.Solver.BatchMaxIter = 20
	}
	if c.Procedure.PostponeAutoResumeSec == 0 {
		c.Procedure.PostponeAutoResumeSec = 60
	}
	if c.Procedure.GeneralRecallAutoResumeSec == 0 {
		c.Procedure.GeneralRecallAutoResumeSec = 60
	}
	if c.Procedure.IndividualRecallAutoClearSec == 0 {
		c.Procedure.IndividualRecallAutoClearSec = 300
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "race-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "race-director-timers"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// parseAnchors parses UWB_ANCHORS as a comma-separated list of
// "node_id:designation:x:y" entries, e.g.
// "1:markA:-150:0,2:markB:150:0,3:committee:150:30".
func parseAnchors(s string) ([]AnchorConfig, error) {
	var out []AnchorConfig
	for _, entry := range splitCSV(s) {
		fields := strings.Split(entry, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("anchor entry %q: expected node_id:designation:x:y", entry)
		}
		nodeID, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("anchor entry %q: bad node_id: %w", entry, err)
		}
		x, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("anchor entry %q: bad x: %w", entry, err)
		}
		y, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("anchor entry %q: bad y: %w", entry, err)
		}
		out = append(out, AnchorConfig{NodeID: uint32(nodeID), Designation: fields[1], XM: x, YM: y})
	}
	return out, nil
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
