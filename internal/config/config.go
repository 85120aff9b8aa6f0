// Package config loads gateway configuration from a YAML file with
// environment-variable overrides. Every tunable has a production default,
// so an empty config is valid.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Admission AdmissionConfig `yaml:"admission"`
	Priority  PriorityConfig  `yaml:"priority"`
	SSE       SSEConfig       `yaml:"sse"`
	Streaming StreamingConfig `yaml:"streaming"`
	Credits   CreditsConfig   `yaml:"credits"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL       string `yaml:"url"`
	EngineURL string `yaml:"engine_url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	MaxSize        int `yaml:"max_size"`
	MaxConcurrent  int `yaml:"max_concurrent"`
	MaxPerUser     int `yaml:"max_per_user"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type AdmissionConfig struct {
	MemoryThreshold      float64 `yaml:"memory_threshold"`
	CPUThreshold         float64 `yaml:"cpu_threshold"`
	QueueThreshold       float64 `yaml:"queue_threshold"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	LoadSheddingEnabled  bool    `yaml:"load_shedding_enabled"`
	ShedStartPressure    float64 `yaml:"shed_start_pressure"`
	ShedStopPressure     float64 `yaml:"shed_stop_pressure"`
}

type PriorityConfig struct {
	Default      int `yaml:"default"`
	BoostPremium int `yaml:"boost_premium"`
}

type SSEConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxRedisFailures int  `yaml:"max_redis_failures"`
	MaxConnsPerUser  int  `yaml:"max_conns_per_user"`
	ConnRatePerMin   int  `yaml:"conn_rate_per_min"`
}

type StreamingConfig struct {
	StandardChunkSize   int `yaml:"standard_chunk_size"`
	EnterpriseChunkSize int `yaml:"enterprise_chunk_size"`
	PremiumChunkSize    int `yaml:"premium_chunk_size"`
}

type CreditsConfig struct {
	MCPCallCost float64 `yaml:"mcp_call_cost"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "production"},
		Database: DatabaseConfig{
			URL:       "postgres://localhost:5432/kgraph?sslmode=disable",
			EngineURL: "http://localhost:7420",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			MaxSize:        1000,
			MaxConcurrent:  50,
			MaxPerUser:     10,
			TimeoutSeconds: 300,
		},
		Admission: AdmissionConfig{
			MemoryThreshold:      85,
			CPUThreshold:         90,
			QueueThreshold:       90,
			CheckIntervalSeconds: 5,
			LoadSheddingEnabled:  true,
			ShedStartPressure:    0.8,
			ShedStopPressure:     0.6,
		},
		Priority: PriorityConfig{Default: 5, BoostPremium: 3},
		SSE: SSEConfig{
			Enabled:          true,
			MaxRedisFailures: 3,
			MaxConnsPerUser:  5,
			ConnRatePerMin:   10,
		},
		Streaming: StreamingConfig{
			StandardChunkSize:   1000,
			EnterpriseChunkSize: 2000,
			PremiumChunkSize:    5000,
		},
		Credits: CreditsConfig{MCPCallCost: 0},
	}
}

// Load reads a YAML config file over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Server.Port, "PORT")
	envString(&c.Database.URL, "DATABASE_URL")
	envString(&c.Database.EngineURL, "KUZU_ENGINE_URL")
	envString(&c.Redis.Addr, "REDIS_ADDR")
	envString(&c.Redis.Password, "REDIS_PASSWORD")

	envInt(&c.Queue.MaxSize, "QUERY_QUEUE_MAX_SIZE")
	envInt(&c.Queue.MaxConcurrent, "QUERY_QUEUE_MAX_CONCURRENT")
	envInt(&c.Queue.MaxPerUser, "QUERY_QUEUE_MAX_PER_USER")
	envInt(&c.Queue.TimeoutSeconds, "QUERY_QUEUE_TIMEOUT")

	envFloat(&c.Admission.MemoryThreshold, "ADMISSION_MEMORY_THRESHOLD")
	envFloat(&c.Admission.CPUThreshold, "ADMISSION_CPU_THRESHOLD")
	envFloat(&c.Admission.QueueThreshold, "ADMISSION_QUEUE_THRESHOLD")
	envInt(&c.Admission.CheckIntervalSeconds, "ADMISSION_CHECK_INTERVAL")
	envBool(&c.Admission.LoadSheddingEnabled, "LOAD_SHEDDING_ENABLED")
	envFloat(&c.Admission.ShedStartPressure, "LOAD_SHED_START_PRESSURE")
	envFloat(&c.Admission.ShedStopPressure, "LOAD_SHED_STOP_PRESSURE")

	envInt(&c.Priority.Default, "QUERY_DEFAULT_PRIORITY")
	envInt(&c.Priority.BoostPremium, "QUERY_PRIORITY_BOOST_PREMIUM")

	envBool(&c.SSE.Enabled, "SSE_ENABLED")
	envInt(&c.SSE.MaxRedisFailures, "SSE_MAX_REDIS_FAILURES")

	envInt(&c.Streaming.StandardChunkSize, "KUZU_STANDARD_CHUNK_SIZE")
	envInt(&c.Streaming.EnterpriseChunkSize, "KUZU_ENTERPRISE_CHUNK_SIZE")
	envInt(&c.Streaming.PremiumChunkSize, "KUZU_PREMIUM_CHUNK_SIZE")

	envFloat(&c.Credits.MCPCallCost, "MCP_CALL_COST")
}

// QueueTimeout returns the execution timeout as a duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Queue.TimeoutSeconds) * time.Second
}

// AdmissionCheckInterval returns the sampling interval as a duration.
func (c *Config) AdmissionCheckInterval() time.Duration {
	return time.Duration(c.Admission.CheckIntervalSeconds) * time.Second
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
