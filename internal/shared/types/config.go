package types

// PeerProfile is one entry of the peers.json data file: the static identity
// of a peer proxy endpoint. Health state lives in the queue, not here.
type PeerProfile struct {
	ID       string `json:"id"` // stable peer identifier, e.g. a jid or UUID
	Remarks  string `json:"remarks,omitempty"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "socks5"
	Active   bool   `json:"active"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// QueueConf tunes the selection queue.
type QueueConf struct {
	// RecentFailureWindow is the amnesty window in seconds: candidates that
	// failed within this window before connectivity returned are restored
	// without serving their full backoff.
	RecentFailureWindow int `ini:"recent_failure_window"`

	// BackoffSchedule lists quarantine durations in seconds, one per
	// consecutive failure; counts beyond the list clamp to the last entry.
	// Empty means the built-in default schedule.
	BackoffSchedule []int `ini:"backoff_schedule"`
}

// CheckerConf tunes the revalidation tracker.
type CheckerConf struct {
	ProbeTimeout int    `ini:"probe_timeout"` // seconds
	Concurrency  int    `ini:"concurrency"`
	ProbeTarget  string `ini:"probe_target"` // host:port dialed through socks5 peers
}

// ConnectivityConf tunes the built-in connectivity monitor. An empty probe
// address disables the monitor; the gate then has to be driven externally.
type ConnectivityConf struct {
	ProbeAddress  string `ini:"probe_address"`
	ProbeInterval int    `ini:"probe_interval"` // seconds
}

// WebConf configures the status API. Port 0 disables it.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config is the unified behavior configuration loaded from driftproxy.ini.
type Config struct {
	LogConf          `ini:"log"`
	QueueConf        `ini:"queue"`
	CheckerConf      `ini:"checker"`
	ConnectivityConf `ini:"connectivity"`
	WebConf          `ini:"web"`
}
