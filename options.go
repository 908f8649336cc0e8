package activebee

import (
	"flag"
	"time"

	abflag "github.com/kandoo/activebee/flag"
)

// HiveConfig is the configuration of a hive.
type HiveConfig struct {
	Addr               string            // Listening address of the hive.
	Location           string            // Logical location; defaults to Addr.
	Locations          map[string]string // Endpoints of other locations.
	CmdChBufSize       int               // Buffer size of control channels.
	EventChBufSize     int               // Buffer size of the event bus.
	FilterPollInterval time.Duration     // Re-evaluation period of deferred requests.
	ConnTimeout        time.Duration     // Timeout of packets between hives.
	MigrateTimeout     time.Duration     // Timeout of a migration handoff.
	ReplyRetries       int               // Attempts to deliver a remote reply.
	ReplyRetryInterval time.Duration     // Period of reply retries.
	SnapshotArgs       bool              // Whether to deep-copy call arguments.
	Instrument         bool              // Whether to export prometheus metrics.
	Pprof              bool              // Whether to serve pprof on the admin API.
	HandleSignals      bool              // Whether to stop on SIGINT and SIGTERM.

	Transport Transport // Overrides the HTTP transport.
	Placement Placement // Overrides the static placement of Locations.
}

// DefaultCfg is the configuration loaded from command line flags.
var DefaultCfg = HiveConfig{}

func init() {
	flag.StringVar(&DefaultCfg.Addr, "laddr", "localhost:7767",
		"the listening address used to communicate with other hives")
	flag.StringVar(&DefaultCfg.Location, "location", "",
		"the logical location of the hive, defaults to its address")
	flag.Var(&abflag.KV{M: &DefaultCfg.Locations}, "locations",
		"endpoints of other locations as location=address pairs separated by "+
			"commas")
	flag.IntVar(&DefaultCfg.CmdChBufSize, "cmdchsize", 128,
		"buffer size of command channels")
	flag.IntVar(&DefaultCfg.EventChBufSize, "eventchsize", 1024,
		"buffer size of the event bus")
	flag.DurationVar(&DefaultCfg.FilterPollInterval, "filterpoll",
		50*time.Millisecond, "how often deferred requests are re-evaluated")
	flag.DurationVar(&DefaultCfg.ConnTimeout, "conntimeout", 5*time.Second,
		"timeout for trying to send packets to other hives")
	flag.DurationVar(&DefaultCfg.MigrateTimeout, "migratetimeout",
		10*time.Second, "timeout of migration handoffs")
	flag.IntVar(&DefaultCfg.ReplyRetries, "replyretries", 5,
		"how many times to retry delivering a reply to a remote caller")
	flag.DurationVar(&DefaultCfg.ReplyRetryInterval, "replyretryinterval",
		200*time.Millisecond, "period of reply retries")
	flag.BoolVar(&DefaultCfg.SnapshotArgs, "snapshotargs", true,
		"whether to deep-copy call arguments at call time")
	flag.BoolVar(&DefaultCfg.Instrument, "instrument", false,
		"whether to export prometheus metrics")
	flag.BoolVar(&DefaultCfg.Pprof, "pprof", false,
		"whether to serve pprof handlers on the admin API")
}

// HiveOption overrides a configuration of a hive.
type HiveOption func(cfg *HiveConfig)

// Addr sets the listening address.
func Addr(a string) HiveOption {
	return func(cfg *HiveConfig) { cfg.Addr = a }
}

// Location sets the logical location of the hive.
func Location(l string) HiveOption {
	return func(cfg *HiveConfig) { cfg.Location = l }
}

// Locations adds location to endpoint mappings.
func Locations(m map[string]string) HiveOption {
	return func(cfg *HiveConfig) {
		locs := make(map[string]string, len(cfg.Locations)+len(m))
		for l, e := range cfg.Locations {
			locs[l] = e
		}
		for l, e := range m {
			locs[l] = e
		}
		cfg.Locations = locs
	}
}

// CmdChBufSize sets the buffer size of control channels.
func CmdChBufSize(s int) HiveOption {
	return func(cfg *HiveConfig) { cfg.CmdChBufSize = s }
}

// EventChBufSize sets the buffer size of the event bus.
func EventChBufSize(s int) HiveOption {
	return func(cfg *HiveConfig) { cfg.EventChBufSize = s }
}

// FilterPollInterval sets how often deferred requests are re-evaluated.
func FilterPollInterval(d time.Duration) HiveOption {
	return func(cfg *HiveConfig) { cfg.FilterPollInterval = d }
}

// ConnTimeout sets the timeout of packets between hives.
func ConnTimeout(d time.Duration) HiveOption {
	return func(cfg *HiveConfig) { cfg.ConnTimeout = d }
}

// MigrateTimeout sets the timeout of migration handoffs.
func MigrateTimeout(d time.Duration) HiveOption {
	return func(cfg *HiveConfig) { cfg.MigrateTimeout = d }
}

// ReplyRetries sets how often a reply to a remote caller is retried.
func ReplyRetries(n int, every time.Duration) HiveOption {
	return func(cfg *HiveConfig) {
		cfg.ReplyRetries = n
		cfg.ReplyRetryInterval = every
	}
}

// SnapshotArgs sets whether call arguments are deep-copied.
func SnapshotArgs(s bool) HiveOption {
	return func(cfg *HiveConfig) { cfg.SnapshotArgs = s }
}

// Instrument sets whether the hive exports prometheus metrics.
func Instrument(i bool) HiveOption {
	return func(cfg *HiveConfig) { cfg.Instrument = i }
}

// Pprof sets whether the admin API serves pprof.
func Pprof(p bool) HiveOption {
	return func(cfg *HiveConfig) { cfg.Pprof = p }
}

// HandleSignals sets whether the hive stops itself on termination signals.
func HandleSignals(h bool) HiveOption {
	return func(cfg *HiveConfig) { cfg.HandleSignals = h }
}

// WithTransport replaces the HTTP transport of the hive.
func WithTransport(t Transport) HiveOption {
	return func(cfg *HiveConfig) { cfg.Transport = t }
}

// WithPlacement replaces the static placement of the hive.
func WithPlacement(p Placement) HiveOption {
	return func(cfg *HiveConfig) { cfg.Placement = p }
}

func (cfg HiveConfig) withDefaults() HiveConfig {
	if cfg.CmdChBufSize <= 0 {
		cfg.CmdChBufSize = 128
	}
	if cfg.EventChBufSize <= 0 {
		cfg.EventChBufSize = 1024
	}
	if cfg.FilterPollInterval <= 0 {
		cfg.FilterPollInterval = 50 * time.Millisecond
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 5 * time.Second
	}
	if cfg.MigrateTimeout <= 0 {
		cfg.MigrateTimeout = 10 * time.Second
	}
	if cfg.ReplyRetryInterval <= 0 {
		cfg.ReplyRetryInterval = 200 * time.Millisecond
	}
	return cfg
}
