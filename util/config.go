package util

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type CompressionConfig struct {
	// TopKRatio in (0, 1) sparsifies gradients before they are written; 0
	// and 1 leave them dense.
	TopKRatio float64 `validate:"gte=0,lte=1"`
	Codec     string  `validate:"omitempty,oneof=none zstd snappy"`
}

type LedgerConfig struct {
	Backend string `validate:"omitempty,oneof=none file sql dynamodb mongodb"`
	// DSN is the SQL data source, or the MongoDB URI. Usually supplied
	// through LEDGER_DSN rather than written into the config file.
	DSN      string
	Driver   string `validate:"omitempty,oneof=sqlite3 sqlserver mysql"`
	Table    string
	Region   string
	// Endpoint points the dynamodb ledger at a local DynamoDB instead of AWS.
	Endpoint string
	Database string
}

type TrainConfig struct {
	Epochs        int     `validate:"gte=1"`
	BatchSize     int     `validate:"gte=1"`
	LR            float64 `validate:"gt=0"`
	Momentum      float64 `validate:"gte=0,lt=1"`
	StepsPerEpoch int     `validate:"gte=1"`
	LogEvery      int     `validate:"gte=1"`
	Features      int     `validate:"gte=1"`
	Seed          int64
}

type LogConfig struct {
	Level     string `validate:"omitempty,oneof=debug info warn error"`
	File      string
	MaxSizeMB int `validate:"gte=0"`
}

type WorkerConfig struct {
	Rank       int `validate:"gte=0,ltfield=WorldSize"`
	WorldSize  int `validate:"gte=1"`
	LeaderRank int `validate:"gte=0,ltfield=WorldSize"`

	NamespaceRoot     string `validate:"required"`
	CheckpointPath    string `validate:"required"`
	CheckpointBackend string `validate:"omitempty,oneof=gob sqlite"`

	PollIntervalMs   int `validate:"gte=0"`
	BarrierTimeoutMs int `validate:"gte=0"`

	AllowPartialNames       bool
	RequireConsistentResume bool

	Compression CompressionConfig
	Ledger      LedgerConfig
	Train       TrainConfig

	StatusListenAddr string `validate:"omitempty,hostname_port"`
	Log              LogConfig
}

const (
	DEFAULT_POLL_INTERVAL_MS = 50
	DEFAULT_EPOCHS           = 5
	DEFAULT_BATCH_SIZE       = 128
	DEFAULT_LR               = 0.1
	DEFAULT_MOMENTUM         = 0.9
	DEFAULT_STEPS_PER_EPOCH  = 50
	DEFAULT_LOG_EVERY        = 100
	DEFAULT_FEATURES         = 8
)

// SetDefaults fills zero values. Momentum is left alone once any training
// setting has been given, so an explicit 0 survives.
func (c *WorkerConfig) SetDefaults() {
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = DEFAULT_POLL_INTERVAL_MS
	}
	if c.CheckpointBackend == "" {
		c.CheckpointBackend = "gob"
	}
	if c.Compression.Codec == "" {
		c.Compression.Codec = "none"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "none"
	}
	if c.Ledger.Backend == "sql" && c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite3"
	}
	t := &c.Train
	if *t == (TrainConfig{}) {
		t.Momentum = DEFAULT_MOMENTUM
	}
	if t.Epochs == 0 {
		t.Epochs = DEFAULT_EPOCHS
	}
	if t.BatchSize == 0 {
		t.BatchSize = DEFAULT_BATCH_SIZE
	}
	if t.LR == 0 {
		t.LR = DEFAULT_LR
	}
	if t.StepsPerEpoch == 0 {
		t.StepsPerEpoch = DEFAULT_STEPS_PER_EPOCH
	}
	if t.LogEvery == 0 {
		t.LogEvery = DEFAULT_LOG_EVERY
	}
	if t.Features == 0 {
		t.Features = DEFAULT_FEATURES
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

var validate = validator.New()

func (c *WorkerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid worker config")
	}
	if c.Ledger.Backend == "sql" && c.Ledger.DSN == "" {
		return errors.New("invalid worker config: sql ledger needs a DSN")
	}
	if c.Ledger.Backend == "mongodb" && c.Ledger.DSN == "" {
		return errors.New("invalid worker config: mongodb ledger needs a URI in DSN")
	}
	return nil
}

func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *WorkerConfig) BarrierTimeout() time.Duration {
	return time.Duration(c.BarrierTimeoutMs) * time.Millisecond
}

// Environment variables that override config file values.
const (
	ENV_NAMESPACE_ROOT  = "GRADSYNC_NAMESPACE_ROOT"
	ENV_LEDGER_DSN      = "LEDGER_DSN"
	ENV_LEDGER_BACKEND  = "LEDGER_BACKEND"
	ENV_BARRIER_TIMEOUT = "GRADSYNC_BARRIER_TIMEOUT_MS"
	ENV_LOG_LEVEL       = "GRADSYNC_LOG_LEVEL"
)

// LoadWorkerConfig reads filename, applies overrides from the environment
// (after loading envFile if it exists), fills defaults and validates.
func LoadWorkerConfig(filename, envFile string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := ReadJSONConfig(filename, &cfg); err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *WorkerConfig) error {
	if v, ok := os.LookupEnv(ENV_NAMESPACE_ROOT); ok {
		cfg.NamespaceRoot = v
	}
	if v, ok := os.LookupEnv(ENV_LEDGER_DSN); ok {
		cfg.Ledger.DSN = v
	}
	if v, ok := os.LookupEnv(ENV_LEDGER_BACKEND); ok {
		cfg.Ledger.Backend = v
	}
	if v, ok := os.LookupEnv(ENV_LOG_LEVEL); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv(ENV_BARRIER_TIMEOUT); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", ENV_BARRIER_TIMEOUT)
		}
		cfg.BarrierTimeoutMs = ms
	}
	return nil
}

func ReadJSONConfig(filename string, config interface{}) error {
	configData, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	err = json.Unmarshal(configData, config)
	if err != nil {
		return err
	}
	return nil
}

func WriteJSONConfig(filename string, config interface{}) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, append(configData, '\n'), 0644)
}

func CheckErr(err error, errfmsg string, fargs ...interface{}) {
	if err != nil {
		fmt.Fprintf(os.Stderr, errfmsg, fargs...)
		os.Exit(1)
	}
}
