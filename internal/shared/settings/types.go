package settings

// ConfigurableModule is implemented by every module whose configuration can
// be changed at runtime. The SettingsManager calls OnSettingsUpdate after a
// successful Update with the already-parsed settings struct for the module.
type ConfigurableModule interface {
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// QueueSettings is the "queue" module of settings.json: the tunables of the
// selection queue that may change while the process runs.
type QueueSettings struct {
	// RecentFailureWindow is the amnesty window in seconds.
	RecentFailureWindow int `json:"recent_failure_window"`

	// BackoffSchedule lists quarantine durations in seconds per consecutive
	// failure count; empty keeps the built-in default.
	BackoffSchedule []int `json:"backoff_schedule"`
}

// RuntimeSettings is the top-level structure of settings.json. Module
// fields are pointers so a missing module in the file stays nil until
// ensureDefaultModules fills it in.
type RuntimeSettings struct {
	Queue *QueueSettings `json:"queue"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Queue: &QueueSettings{RecentFailureWindow: 60},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Queue == nil {
		s.Queue = &QueueSettings{RecentFailureWindow: 60}
	}
}
