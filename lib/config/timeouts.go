package config

import "time"

// TimeoutConfig groups the intervals shared by the render master and the
// render workers.
type TimeoutConfig struct {
	// WorkerTimeoutDuration is how long a worker may stay silent before it is
	// treated as offline. Zero disables liveness tracking.
	WorkerTimeoutDuration     Duration `toml:"worker-timeout" json:"worker-timeout"`
	WorkerHeartbeatInterval   Duration `toml:"worker-heartbeat-interval" json:"worker-heartbeat-interval"`
	WorkerPollInterval        Duration `toml:"worker-poll-interval" json:"worker-poll-interval"`
	WorkerLongPollTimeout     Duration `toml:"worker-long-poll-timeout" json:"worker-long-poll-timeout"`
	CancelCheckInterval       Duration `toml:"cancel-check-interval" json:"cancel-check-interval"`
	AssignInterval            Duration `toml:"assign-interval" json:"assign-interval"`
	StuckJobCheckInterval     Duration `toml:"stuck-job-check-interval" json:"stuck-job-check-interval"`
	MasterShutdownGracePeriod Duration `toml:"shutdown-grace-period" json:"shutdown-grace-period"`
}

var defaultTimeoutConfig = TimeoutConfig{
	WorkerTimeoutDuration:     0,
	WorkerHeartbeatInterval:   Duration(time.Second * 5),
	WorkerPollInterval:        Duration(time.Second * 10),
	WorkerLongPollTimeout:     Duration(time.Second * 10),
	CancelCheckInterval:       Duration(time.Second * 2),
	AssignInterval:            0,
	StuckJobCheckInterval:     0,
	MasterShutdownGracePeriod: Duration(time.Second * 5),
}.Adjust()

// Adjust validates the TimeoutConfig and adjusts it
func (config TimeoutConfig) Adjust() TimeoutConfig {
	var tc TimeoutConfig = config
	if tc.WorkerHeartbeatInterval <= 0 {
		tc.WorkerHeartbeatInterval = Duration(time.Second * 5)
	}
	if tc.WorkerPollInterval <= 0 {
		tc.WorkerPollInterval = Duration(time.Second * 10)
	}
	if tc.CancelCheckInterval <= 0 {
		tc.CancelCheckInterval = Duration(time.Second * 2)
	}
	if tc.WorkerLongPollTimeout < 0 {
		tc.WorkerLongPollTimeout = 0
	}
	if tc.MasterShutdownGracePeriod <= 0 {
		tc.MasterShutdownGracePeriod = Duration(time.Second * 5)
	}
	// worker timeout must be 2 times larger than worker heartbeat interval
	if tc.WorkerTimeoutDuration > 0 &&
		tc.WorkerTimeoutDuration < 2*tc.WorkerHeartbeatInterval+Duration(time.Second*3) {
		tc.WorkerTimeoutDuration = 2*tc.WorkerHeartbeatInterval + Duration(time.Second*3)
	}
	// the watchdog relies on worker liveness
	if tc.WorkerTimeoutDuration <= 0 {
		tc.StuckJobCheckInterval = 0
	}
	return tc
}

func DefaultTimeoutConfig() TimeoutConfig {
	return defaultTimeoutConfig
}
