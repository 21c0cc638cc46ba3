package config

import (
	"encoding"
	"time"
)

// Manager is the manager node config
type Manager struct {
	API          API
	TaskStore    TaskStore
	Liveness     Liveness
	Scheduling   Scheduling
	Perpetual    Perpetual
	SelectionLog SelectionLog
}

// API contains configs for API endpoint
type API struct {
	ListenAddress string
	Timeout       Duration

	// Requests per second accepted from delegates on PollForWork. 0 disables
	// the limit.
	PollRateLimit int64
	PollBurst     int
}

type TaskStore struct {
	// "sqlite" or "memory"
	Backend string
	Path    string
}

type Liveness struct {
	// A delegate not heard from for longer than this is not live.
	StalenessWindow Duration
	// Records of delegates silent for this long are dropped entirely.
	ForgetAfter Duration
}

type Scheduling struct {
	// Expiry applied to tasks submitted without a timeout.
	DefaultTaskTimeout  Duration
	DefaultAwaitTimeout Duration
	// A queued task with no eligible live delegate fails after this long.
	NoEligibleDelegateWait Duration
	// A task held by a delegate that stopped being live is requeued once this
	// long has passed since it was acquired.
	DelegateLossGrace   Duration
	MaintenanceInterval Duration
}

type Perpetual struct {
	// leveldb directory for perpetual task records; empty keeps them in memory
	DatastorePath     string
	RebalanceInterval Duration
}

type SelectionLog struct {
	Tasks          int
	EntriesPerTask int
}

// Delegate is the delegate node config
type Delegate struct {
	ID           string
	Account      string
	Groups       []string
	Capabilities map[string]string
	Capacity     int

	ManagerAddress string
	RequestTimeout Duration

	HeartbeatInterval Duration
	PollInterval      Duration

	SandboxPath string

	ResponseRetry Retry
}

type Retry struct {
	Min    Duration
	Max    Duration
	Factor float64
	// Give up after this many attempts; 0 retries until shutdown.
	MaxAttempts int
}

// DefaultManager returns the default manager config
func DefaultManager() *Manager {
	return &Manager{
		API: API{
			ListenAddress: "127.0.0.1:2480",
			Timeout:       Duration(30 * time.Second),
			PollRateLimit: 0,
			PollBurst:     64,
		},
		TaskStore: TaskStore{
			Backend: "sqlite",
			Path:    "~/.dispatch/tasks.db",
		},
		Liveness: Liveness{
			StalenessWindow: Duration(30 * time.Second),
			ForgetAfter:     Duration(24 * time.Hour),
		},
		Scheduling: Scheduling{
			DefaultTaskTimeout:     Duration(10 * time.Minute),
			DefaultAwaitTimeout:    Duration(time.Minute),
			NoEligibleDelegateWait: Duration(2 * time.Minute),
			DelegateLossGrace:      Duration(time.Minute),
			MaintenanceInterval:    Duration(5 * time.Second),
		},
		Perpetual: Perpetual{
			DatastorePath:     "~/.dispatch/perpetual",
			RebalanceInterval: Duration(15 * time.Second),
		},
		SelectionLog: SelectionLog{
			Tasks:          4096,
			EntriesPerTask: 32,
		},
	}
}

func DefaultDelegate() *Delegate {
	return &Delegate{
		Capacity:          4,
		ManagerAddress:    "http://127.0.0.1:2480/rpc/v0",
		RequestTimeout:    Duration(30 * time.Second),
		HeartbeatInterval: Duration(10 * time.Second),
		PollInterval:      Duration(2 * time.Second),
		SandboxPath:       "~/.dispatch/sandbox",
		ResponseRetry: Retry{
			Min:    Duration(500 * time.Millisecond),
			Max:    Duration(30 * time.Second),
			Factor: 2,
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
