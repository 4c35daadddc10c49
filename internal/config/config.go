// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

// Package config assembles the option table of spec.md §6 from an HCL
// config file plus an optional environment file, the way command/agent
// assembles its nomad.hcl.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-envparse"
	"github.com/hashicorp/hcl"

	"github.com/spalloc-project/spallocd/internal/allocator"
	"github.com/spalloc-project/spallocd/internal/bmp"
	"github.com/spalloc-project/spallocd/internal/jobsm"
	"github.com/spalloc-project/spallocd/internal/scheduler"
	"github.com/spalloc-project/spallocd/internal/store"
)

// Config is the top-level decoded configuration, one sub-struct per
// component, plus the bind address and sqlite file path.
type Config struct {
	DataDir    string `mapstructure:"data_dir" hcl:"data_dir"`
	BindAddr   string `mapstructure:"bind_addr" hcl:"bind_addr"`
	LogLevel   string `mapstructure:"log_level" hcl:"log_level"`

	Allocator AllocatorConfig `mapstructure:"allocator" hcl:"allocator"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive" hcl:"keepalive"`
	Transceiver TransceiverConfig `mapstructure:"transceiver" hcl:"transceiver"`
	Quota     QuotaConfig     `mapstructure:"quota" hcl:"quota"`
	Historical HistoricalConfig `mapstructure:"historicalData" hcl:"historicalData"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite" hcl:"sqlite"`
}

// AllocatorConfig mirrors spec.md §6's allocator.* group.
type AllocatorConfig struct {
	Period                string  `mapstructure:"period" hcl:"period"`
	ImportanceSpan        float64 `mapstructure:"importanceSpan" hcl:"importanceSpan"`
	ReportActionThreshold int     `mapstructure:"reportActionThreshold" hcl:"reportActionThreshold"`
	PriorityScale         struct {
		Size          float64 `mapstructure:"size" hcl:"size"`
		Dimensions    float64 `mapstructure:"dimensions" hcl:"dimensions"`
		SpecificBoard float64 `mapstructure:"specificBoard" hcl:"specificBoard"`
	} `mapstructure:"priorityScale" hcl:"priorityScale"`
}

// KeepaliveConfig mirrors spec.md §6's keepalive.* group.
type KeepaliveConfig struct {
	Min          string `mapstructure:"min" hcl:"min"`
	Max          string `mapstructure:"max" hcl:"max"`
	ExpiryPeriod string `mapstructure:"expiryPeriod" hcl:"expiryPeriod"`
}

// TransceiverConfig mirrors spec.md §6's transceiver.* group.
type TransceiverConfig struct {
	Period        string `mapstructure:"period" hcl:"period"`
	ProbeInterval string `mapstructure:"probeInterval" hcl:"probeInterval"`
	PowerAttempts int    `mapstructure:"powerAttempts" hcl:"powerAttempts"`
	FPGAAttempts  int    `mapstructure:"fpgaAttempts" hcl:"fpgaAttempts"`
	BuildAttempts int    `mapstructure:"buildAttempts" hcl:"buildAttempts"`
	OffWaitTime   string `mapstructure:"offWaitTime" hcl:"offWaitTime"`
	Dummy         bool   `mapstructure:"dummy" hcl:"dummy"`
	FPGAReload    bool   `mapstructure:"fpgaReload" hcl:"fpgaReload"`
}

// QuotaConfig mirrors spec.md §6's quota.* group.
type QuotaConfig struct {
	DefaultQuota          int64  `mapstructure:"defaultQuota" hcl:"defaultQuota"`
	DefaultOrgQuota       int64  `mapstructure:"defaultOrgQuota" hcl:"defaultOrgQuota"`
	DefaultCollabQuota    int64  `mapstructure:"defaultCollabQuota" hcl:"defaultCollabQuota"`
	ConsolidationSchedule string `mapstructure:"consolidationSchedule" hcl:"consolidationSchedule"`
}

// HistoricalConfig mirrors spec.md §6's historicalData.* group.
type HistoricalConfig struct {
	GracePeriod string `mapstructure:"gracePeriod" hcl:"gracePeriod"`
	Schedule    string `mapstructure:"schedule" hcl:"schedule"`
}

// SQLiteConfig mirrors spec.md §6's sqlite.* group.
type SQLiteConfig struct {
	Timeout           string `mapstructure:"timeout" hcl:"timeout"`
	LockTries         int    `mapstructure:"lockTries" hcl:"lockTries"`
	LockFailedDelay   string `mapstructure:"lockFailedDelay" hcl:"lockFailedDelay"`
	LockNoteThreshold int    `mapstructure:"lockNoteThreshold" hcl:"lockNoteThreshold"`
	LockWarnThreshold int    `mapstructure:"lockWarnThreshold" hcl:"lockWarnThreshold"`
}

// Default returns a Config pre-filled with every component's defaults, in
// the same string-duration shape the HCL decoder expects, so a config file
// only needs to override what it changes.
func Default() Config {
	var c Config
	c.DataDir = "./spallocd-data"
	c.BindAddr = "127.0.0.1:22244"
	c.LogLevel = "INFO"
	c.Allocator.Period = "5s"
	c.Allocator.ImportanceSpan = 100
	c.Allocator.ReportActionThreshold = 3
	c.Allocator.PriorityScale.Size = 1.0
	c.Allocator.PriorityScale.Dimensions = 1.5
	c.Allocator.PriorityScale.SpecificBoard = 65.0
	c.Keepalive.Min = "30s"
	c.Keepalive.Max = "24h"
	c.Keepalive.ExpiryPeriod = "30s"
	c.Transceiver.Period = "1s"
	c.Transceiver.ProbeInterval = "100ms"
	c.Transceiver.PowerAttempts = 2
	c.Transceiver.FPGAAttempts = 3
	c.Transceiver.BuildAttempts = 5
	c.Transceiver.OffWaitTime = "20s"
	c.Quota.DefaultQuota = 200000
	c.Quota.DefaultOrgQuota = 2000000
	c.Quota.DefaultCollabQuota = 500000
	c.Quota.ConsolidationSchedule = "* * * * *"
	c.Historical.GracePeriod = "168h"
	c.Historical.Schedule = "0 3 * * *"
	c.SQLite.Timeout = "5s"
	c.SQLite.LockTries = 10
	c.SQLite.LockFailedDelay = "50ms"
	c.SQLite.LockNoteThreshold = 3
	c.SQLite.LockWarnThreshold = 7
	return c
}

// Load reads an HCL config file and an optional ".env"-style environment
// file, merging the latter over the former, and decodes the result over
// Default().
func Load(hclPath, envPath string) (Config, error) {
	cfg := Default()

	raw := map[string]interface{}{}
	if hclPath != "" {
		data, err := os.ReadFile(hclPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", hclPath, err)
		}
		if err := hcl.Decode(&raw, string(data)); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", hclPath, err)
		}
	}

	if envPath != "" {
		data, err := os.ReadFile(envPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", envPath, err)
		}
		env, err := envparse.Parse(strings.NewReader(string(data)))
		if err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", envPath, err)
		}
		applyEnvOverrides(raw, env)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("config: decoding: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides maps SPALLOCD_SECTION_KEY=value environment entries
// onto the nested raw HCL map ("SPALLOCD_ALLOCATOR_PERIOD" -> raw["allocator"]["period"]).
func applyEnvOverrides(raw map[string]interface{}, env map[string]string) {
	for k, v := range env {
		section, key, ok := splitEnvKey(k)
		if !ok {
			continue
		}
		sub, ok := raw[section].(map[string]interface{})
		if !ok {
			sub = map[string]interface{}{}
			raw[section] = sub
		}
		sub[key] = v
	}
}

// ToAllocatorConfig converts the decoded option group into the runtime
// shape allocator.Config expects, parsing every duration string once.
func (c Config) ToAllocatorConfig() (allocator.Config, error) {
	period, err := time.ParseDuration(c.Allocator.Period)
	if err != nil {
		return allocator.Config{}, fmt.Errorf("allocator.period: %w", err)
	}
	return allocator.Config{
		Period:         period,
		ImportanceSpan: c.Allocator.ImportanceSpan,
		PriorityScale: allocator.PriorityScale{
			Size:          c.Allocator.PriorityScale.Size,
			Dimensions:    c.Allocator.PriorityScale.Dimensions,
			SpecificBoard: c.Allocator.PriorityScale.SpecificBoard,
		},
		ReportActionThreshold: c.Allocator.ReportActionThreshold,
		ImportanceBumpPerPass: 1.0,
		ExpireReason:          "keepalive expired",
		TombstoneGracePeriod:  mustDuration(c.Historical.GracePeriod),
	}, nil
}

// ToBMPConfig converts the decoded transceiver.* group into bmp.Config.
func (c Config) ToBMPConfig() (bmp.Config, error) {
	period, err := time.ParseDuration(c.Transceiver.Period)
	if err != nil {
		return bmp.Config{}, fmt.Errorf("transceiver.period: %w", err)
	}
	probe, err := time.ParseDuration(c.Transceiver.ProbeInterval)
	if err != nil {
		return bmp.Config{}, fmt.Errorf("transceiver.probeInterval: %w", err)
	}
	offWait, err := time.ParseDuration(c.Transceiver.OffWaitTime)
	if err != nil {
		return bmp.Config{}, fmt.Errorf("transceiver.offWaitTime: %w", err)
	}
	return bmp.Config{
		Period:                period,
		ProbeInterval:         probe,
		PowerAttempts:         c.Transceiver.PowerAttempts,
		FPGAAttempts:          c.Transceiver.FPGAAttempts,
		BuildAttempts:         c.Transceiver.BuildAttempts,
		OffWaitTime:           offWait,
		Dummy:                 c.Transceiver.Dummy,
		FPGAReload:            c.Transceiver.FPGAReload,
		ReportActionThreshold: c.Allocator.ReportActionThreshold,
	}, nil
}

// ToJobSMConfig converts the decoded keepalive.* group into jobsm.Config.
func (c Config) ToJobSMConfig() (jobsm.Config, error) {
	min, err := time.ParseDuration(c.Keepalive.Min)
	if err != nil {
		return jobsm.Config{}, fmt.Errorf("keepalive.min: %w", err)
	}
	max, err := time.ParseDuration(c.Keepalive.Max)
	if err != nil {
		return jobsm.Config{}, fmt.Errorf("keepalive.max: %w", err)
	}
	cfg := jobsm.DefaultConfig()
	cfg.KeepAliveMin = min
	cfg.KeepAliveMax = max
	cfg.ReportActionThreshold = c.Allocator.ReportActionThreshold
	return cfg, nil
}

// ToSchedulerConfig converts the decoded option groups into scheduler.Config.
func (c Config) ToSchedulerConfig() (scheduler.Config, error) {
	allocatePeriod, err := time.ParseDuration(c.Allocator.Period)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("allocator.period: %w", err)
	}
	expiryPeriod, err := time.ParseDuration(c.Keepalive.ExpiryPeriod)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("keepalive.expiryPeriod: %w", err)
	}
	processPeriod, err := time.ParseDuration(c.Transceiver.Period)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("transceiver.period: %w", err)
	}
	return scheduler.Config{
		AllocatePeriod:         allocatePeriod,
		ExpirePeriod:           expiryPeriod,
		ProcessRequestsPeriod:  processPeriod * 10,
		ProcessRequestsTimeout: processPeriod * 8,
		ConsolidationSchedule:  c.Quota.ConsolidationSchedule,
		HistoricalDataSchedule: c.Historical.Schedule,
	}, nil
}

// ToStoreConfig converts the decoded sqlite.* group into store.Config. The
// note/warn thresholds are retry counts, not durations, in the underlying
// store.Config shape; the Store carries them but its Transaction retry loop
// does not read them, so no slow-lock note or warning is logged.
func (c Config) ToStoreConfig() (store.Config, error) {
	timeout, err := time.ParseDuration(c.SQLite.Timeout)
	if err != nil {
		return store.Config{}, fmt.Errorf("sqlite.timeout: %w", err)
	}
	failedDelay, err := time.ParseDuration(c.SQLite.LockFailedDelay)
	if err != nil {
		return store.Config{}, fmt.Errorf("sqlite.lockFailedDelay: %w", err)
	}
	return store.Config{
		Timeout:           timeout,
		LockTries:         c.SQLite.LockTries,
		LockFailedDelay:   failedDelay,
		LockNoteThreshold: c.SQLite.LockNoteThreshold,
		LockWarnThreshold: c.SQLite.LockWarnThreshold,
	}, nil
}

// DBPath is where the Store's sqlite file lives under DataDir.
func (c Config) DBPath() string {
	return c.DataDir + "/spalloc.sqlite3"
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// splitEnvKey turns SPALLOCD_SECTION_FIELD into ("section", "field"),
// lowercased. The lowercased field still reaches camelCase keys
// (importanceSpan, reportActionThreshold) because the decoder matches keys
// case-insensitively; keys nested below a section (priorityScale.*) are not
// reachable through this path.
func splitEnvKey(key string) (section, field string, ok bool) {
	const prefix = "SPALLOCD_"
	if len(key) <= len(prefix) || !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		return "", "", false
	}
	return strings.ToLower(rest[:idx]), strings.ToLower(rest[idx+1:]), true
}
