// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package certify

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/westerndigitalcorporation/mpathcert/internal/core"
	"github.com/westerndigitalcorporation/mpathcert/internal/diskio"
	"github.com/westerndigitalcorporation/mpathcert/internal/failimpl"
	"github.com/westerndigitalcorporation/mpathcert/internal/failover"
)

// Duration is a wrapper on time.Duration that can be decoded by a JSON decoder.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("nil data for a duration")
	}

	var err error
	if data[0] == '"' {
		sd := string(data[1 : len(data)-1])
		d.Duration, err = time.ParseDuration(sd)
		return err
	}

	var id int64
	id, err = json.Number(string(data)).Int64()
	d.Duration = time.Duration(id)
	return err
}

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Config specifies a certification run.
type Config struct {
	// StorageType is "iscsi" or "hba".
	StorageType string

	// Targets are the storage target addresses, TargetIQN the iSCSI
	// target name. Both are informational for hba.
	Targets   []string
	TargetIQN string

	// SCSIID of the LUN to test. Empty picks the first non-root LUN.
	SCSIID string

	// PathHandler is the fault injection callout; see failimpl.Options.
	PathHandler string

	// PathInfo is passed through to the callout. It may carry secrets.
	PathInfo string

	// Injection and Detection select the failimpl mode and policy, "auto"
	// by default.
	Injection string
	Detection string

	// Iterations of the failover test.
	Iterations int

	// Seed for path selection. Zero uses the time.
	Seed int64

	// IOSize is the size of each timed write.
	IOSize int64

	// IORate caps the writes per second issued while paths are down. Zero
	// writes back to back.
	IORate float64

	// A baseline write slower than this is flagged.
	SlowIOThreshold Duration

	// PollInterval is the period of all path state probes.
	PollInterval Duration

	// Deadlines of the failover and restore phases.
	FailoverTimeout Duration
	RestoreTimeout  Duration

	// ProbeTimeout bounds retries of the setup probe.
	ProbeTimeout Duration

	// SemaphoreFile makes manual mode wait for this file.
	SemaphoreFile string

	// Integrity enables the pattern write/verify of IntegrityBlocks blocks
	// around each restore.
	Integrity       bool
	IntegrityBlocks int

	// RootDevice overrides the detected root disk.
	RootDevice string

	// Where the fault journal and run history live.
	JournalFile string
	HistoryFile string

	// ReportFile gets a copy of the report. Empty means
	// mpathcert-<unix time>.log.
	ReportFile string

	// MetricsAddr serves prometheus metrics and the control endpoint if set.
	MetricsAddr string
}

// DefaultConfig includes default configuration parameters.
var DefaultConfig = Config{
	StorageType:     "iscsi",
	Injection:       failimpl.ModeAuto,
	Detection:       failimpl.ModeAuto,
	Iterations:      100,
	IOSize:          diskio.MiB,
	SlowIOThreshold: Duration{3 * time.Second},
	PollInterval:    Duration{failover.DefaultInterval},
	FailoverTimeout: Duration{failover.DefaultFailoverTimeout},
	RestoreTimeout:  Duration{failover.DefaultRestoreTimeout},
	ProbeTimeout:    Duration{30 * time.Second},
	IntegrityBlocks: 64,
	JournalFile:     "mpathcert.journal",
	HistoryFile:     "mpathcert.db",
}

// LoadConfig reads a JSON configuration from 'path' over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	if path == "" {
		return cfg, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, core.ErrInvalidArgument.Errorf("failed to read config: %s", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, core.ErrInvalidArgument.Errorf("failed to parse config %s: %s", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration makes sense.
func (c Config) Validate() error {
	switch c.StorageType {
	case "iscsi", "hba":
	default:
		return core.ErrInvalidArgument.Errorf("storage type must be iscsi or hba, not %q", c.StorageType)
	}
	switch c.Injection {
	case "", failimpl.ModeAuto, failimpl.ModeAddress, failimpl.ModeTopology, failimpl.ModeManual:
	default:
		return core.ErrInvalidArgument.Errorf("unknown injection mode %q", c.Injection)
	}
	if c.Detection != "" && c.Detection != failimpl.ModeAuto {
		if _, err := failover.ParsePolicy(c.Detection); err != nil {
			return err
		}
	}
	if c.PathHandler == "" && c.SemaphoreFile == "" {
		return core.ErrInvalidArgument.Errorf("a path handler or a semaphore file is required")
	}
	if c.Iterations < 1 {
		return core.ErrInvalidArgument.Errorf("need at least one iteration, got %d", c.Iterations)
	}
	if c.IOSize < diskio.SectorSize || c.IOSize%diskio.SectorSize != 0 {
		return core.ErrInvalidArgument.Errorf("I/O size %d is not a positive multiple of %d", c.IOSize, diskio.SectorSize)
	}
	if c.IORate < 0 {
		return core.ErrInvalidArgument.Errorf("I/O rate can't be negative")
	}
	if c.PollInterval.Duration <= 0 {
		return core.ErrInvalidArgument.Errorf("poll interval must be positive")
	}
	if c.FailoverTimeout.Duration < c.PollInterval.Duration || c.RestoreTimeout.Duration < c.PollInterval.Duration {
		return core.ErrInvalidArgument.Errorf("timeouts must be at least one poll interval")
	}
	if c.Integrity && c.IntegrityBlocks < 1 {
		return core.ErrInvalidArgument.Errorf("integrity check needs at least one block")
	}
	return nil
}

// ReportPath returns ReportFile or the default name for a run started at
// 'start'.
func (c Config) ReportPath(start time.Time) string {
	if c.ReportFile != "" {
		return c.ReportFile
	}
	return fmt.Sprintf("mpathcert-%d.log", start.Unix())
}
