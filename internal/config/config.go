// Package config implements the ambient configuration layer: a JSON file
// validated against an embedded JSON Schema, unmarshaled into a
// package-level Keys struct with defaults set in a composite literal,
// optionally overlaid with a .env file for secrets. Grounded on the
// teacher's internal/config (schema.Validate + json.Decoder with
// DisallowUnknownFields) and cmd/cc-backend/main.go's use of godotenv.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/dlt-tools/dltbroker/internal/dltlog"
)

// SourceKind selects whether the broker tails a file or a live socket.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceSocket SourceKind = "socket"
)

// SourceConfig configures C3 (file) or C4 (socket).
type SourceConfig struct {
	Kind           SourceKind `json:"kind"`
	Path           string     `json:"path,omitempty"`
	Live           bool       `json:"live,omitempty"`
	Address        string     `json:"address,omitempty"`
	Port           int        `json:"port,omitempty"`
	HostInterface  string     `json:"hostInterface,omitempty"`
	ConnectTimeout string     `json:"connectTimeout,omitempty"`
}

// NatsConfig configures the optional re-publication sink.
type NatsConfig struct {
	Address       string `json:"address,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CredsFilePath string `json:"credsFilePath,omitempty"`
}

// IndexStoreConfig configures C10.
type IndexStoreConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	SqlitePath string `json:"sqlitePath,omitempty"`
	AvroDir    string `json:"avroDir,omitempty"`
}

// StatusAPIConfig configures C11.
type StatusAPIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// MaintenanceConfig configures the gocron jobs in internal/maintenance.
type MaintenanceConfig struct {
	CheckpointInterval string `json:"checkpointInterval,omitempty"`
	StatsInterval      string `json:"statsInterval,omitempty"`
}

// ProgramConfig is this system's equivalent of the teacher's
// schema.ProgramConfig: the single root configuration value.
type ProgramConfig struct {
	Source           SourceConfig       `json:"source"`
	SinkFile         string             `json:"sinkFile,omitempty"`
	EnableFilterAck  bool               `json:"enableFilterAck,omitempty"`
	AckTimeout       string             `json:"ackTimeout,omitempty"`
	IgnoreAckTimeout bool               `json:"ignoreAckTimeout,omitempty"`
	FilterMax        int                `json:"filterMax,omitempty"`
	Nats        NatsConfig         `json:"nats,omitempty"`
	IndexStore  IndexStoreConfig   `json:"indexStore,omitempty"`
	StatusAPI   StatusAPIConfig    `json:"statusAPI,omitempty"`
	Maintenance MaintenanceConfig  `json:"maintenance,omitempty"`
}

// Keys holds the active configuration, matching the teacher's
// package-level var Keys pattern. Defaults are set here and overwritten by
// whatever Load finds in the config file.
var Keys ProgramConfig = ProgramConfig{
	Source: SourceConfig{
		Kind:           SourceFile,
		ConnectTimeout: "5s",
	},
	AckTimeout: "2s",
	FilterMax:  30,
	StatusAPI: StatusAPIConfig{
		Enabled: true,
		Addr:    "127.0.0.1:8081",
	},
	Maintenance: MaintenanceConfig{
		CheckpointInterval: "1m",
		StatsInterval:      "5m",
	},
}

// Load reads flagConfigFile (JSON), validates it, and decodes it over the
// defaults in Keys. A missing config file is not an error (matching the
// teacher's Init): the defaults above apply as-is. envFile, if non-empty,
// is loaded via godotenv before NATS credentials are read from the
// environment, so operators can keep secrets out of the JSON file.
func Load(flagConfigFile string, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			dltlog.Lifecyclef("config: %s not found, using defaults", flagConfigFile)
			applyEnvOverrides()
			return nil
		}
		return fmt.Errorf("config: read %s: %w", flagConfigFile, err)
	}

	if err := validate(raw); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("config: decode %s: %w", flagConfigFile, err)
	}

	if Keys.Source.Kind == "" {
		return fmt.Errorf("config: source.kind is required")
	}

	applyEnvOverrides()
	return nil
}

// applyEnvOverrides lets an operator inject NATS credentials without
// putting them in the JSON file, the same secrets-via-env seam godotenv
// exists for.
func applyEnvOverrides() {
	if v := os.Getenv("DLTBROKER_NATS_PASSWORD"); v != "" {
		Keys.Nats.Password = v
	}
	if v := os.Getenv("DLTBROKER_NATS_CREDS_FILE"); v != "" {
		Keys.Nats.CredsFilePath = v
	}
}

// AckTimeoutDuration parses Keys.AckTimeout, falling back to 2s on a parse
// error (mirroring the teacher's parseDuration warn-and-zero pattern).
func AckTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(Keys.AckTimeout)
	if err != nil {
		dltlog.Warnf("config: invalid ackTimeout %q, using 2s", Keys.AckTimeout)
		return 2 * time.Second
	}
	return d
}

// ConnectTimeoutDuration parses Keys.Source.ConnectTimeout, falling back to
// 5s.
func ConnectTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(Keys.Source.ConnectTimeout)
	if err != nil {
		dltlog.Warnf("config: invalid source.connectTimeout %q, using 5s", Keys.Source.ConnectTimeout)
		return 5 * time.Second
	}
	return d
}

// CheckpointIntervalDuration parses Keys.Maintenance.CheckpointInterval.
func CheckpointIntervalDuration() time.Duration {
	d, err := time.ParseDuration(Keys.Maintenance.CheckpointInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// StatsIntervalDuration parses Keys.Maintenance.StatsInterval.
func StatsIntervalDuration() time.Duration {
	d, err := time.ParseDuration(Keys.Maintenance.StatsInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
