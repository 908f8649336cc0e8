package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/kandoo/activebee"
)

// envPrefix prefixes every environment variable hivectl reads.
const envPrefix = "ACTIVEBEE_"

// fileConfig is the part of the hive configuration that can be set in a TOML
// file or in the environment. Keys missing from both keep their flag values.
type fileConfig struct {
	Addr               string            `toml:"addr" env:"ADDR"`
	Location           string            `toml:"location" env:"LOCATION"`
	Locations          map[string]string `toml:"locations" env:"LOCATIONS"`
	CmdChBufSize       int               `toml:"cmd_chan_size" env:"CMD_CHAN_SIZE"`
	EventChBufSize     int               `toml:"event_chan_size" env:"EVENT_CHAN_SIZE"`
	FilterPollInterval time.Duration     `toml:"filter_poll_interval" env:"FILTER_POLL_INTERVAL"`
	ConnTimeout        time.Duration     `toml:"conn_timeout" env:"CONN_TIMEOUT"`
	MigrateTimeout     time.Duration     `toml:"migrate_timeout" env:"MIGRATE_TIMEOUT"`
	ReplyRetries       int               `toml:"reply_retries" env:"REPLY_RETRIES"`
	ReplyRetryInterval time.Duration     `toml:"reply_retry_interval" env:"REPLY_RETRY_INTERVAL"`
	SnapshotArgs       bool              `toml:"snapshot_args" env:"SNAPSHOT_ARGS"`
	Instrument         bool              `toml:"instrument" env:"INSTRUMENT"`
	Pprof              bool              `toml:"pprof" env:"PPROF"`
}

func fromHiveConfig(cfg activebee.HiveConfig) fileConfig {
	locs := make(map[string]string, len(cfg.Locations))
	for l, e := range cfg.Locations {
		locs[l] = e
	}
	return fileConfig{
		Addr:               cfg.Addr,
		Location:           cfg.Location,
		Locations:          locs,
		CmdChBufSize:       cfg.CmdChBufSize,
		EventChBufSize:     cfg.EventChBufSize,
		FilterPollInterval: cfg.FilterPollInterval,
		ConnTimeout:        cfg.ConnTimeout,
		MigrateTimeout:     cfg.MigrateTimeout,
		ReplyRetries:       cfg.ReplyRetries,
		ReplyRetryInterval: cfg.ReplyRetryInterval,
		SnapshotArgs:       cfg.SnapshotArgs,
		Instrument:         cfg.Instrument,
		Pprof:              cfg.Pprof,
	}
}

func (c fileConfig) apply(cfg activebee.HiveConfig) activebee.HiveConfig {
	cfg.Addr = c.Addr
	cfg.Location = c.Location
	cfg.Locations = c.Locations
	cfg.CmdChBufSize = c.CmdChBufSize
	cfg.EventChBufSize = c.EventChBufSize
	cfg.FilterPollInterval = c.FilterPollInterval
	cfg.ConnTimeout = c.ConnTimeout
	cfg.MigrateTimeout = c.MigrateTimeout
	cfg.ReplyRetries = c.ReplyRetries
	cfg.ReplyRetryInterval = c.ReplyRetryInterval
	cfg.SnapshotArgs = c.SnapshotArgs
	cfg.Instrument = c.Instrument
	cfg.Pprof = c.Pprof
	return cfg
}

// loadConfig layers the TOML file at path, if any, and the environment on
// top of base, which holds the flag values.
func loadConfig(base activebee.HiveConfig, path string,
	environ map[string]string) (activebee.HiveConfig, error) {

	c := fromHiveConfig(base)
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return base, fmt.Errorf("load hive config: %w", err)
		}
	}

	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return base, fmt.Errorf("parse env: %w", err)
	}
	return c.apply(base), nil
}
