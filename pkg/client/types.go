package client

import "time"

// ServiceInfo describes one configured service.
type ServiceInfo struct {
	Name         string `json:"name"`
	Pattern      string `json:"pattern,omitempty"`
	MatchFull    bool   `json:"match_full,omitempty"`
	Check        string `json:"check,omitempty"`
	MaxAttempts  int    `json:"max_attempts"`
	PollInterval string `json:"poll_interval"`
	Escalation   int    `json:"escalation_attempts,omitempty"`
	Monitor      bool   `json:"monitor"`
	StopOnExit   bool   `json:"stop_on_exit"`
	CanStart     bool   `json:"can_start"`
	PIDFile      string `json:"pid_file,omitempty"`
}

// Outcome is the result of one start, stop or restart.
type Outcome struct {
	Service   string `json:"service"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Polls     int    `json:"polls"`
	Escalated bool   `json:"escalated,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// ServiceStatus is one service's entry in a status snapshot.
type ServiceStatus struct {
	Running bool       `json:"running"`
	Since   *time.Time `json:"since,omitempty"`
}

// Status is a point-in-time snapshot of the monitored services.
type Status struct {
	Seq      uint64                   `json:"seq"`
	At       time.Time                `json:"at"`
	Services map[string]ServiceStatus `json:"services"`
}

type actionResponse struct {
	OK      bool    `json:"ok"`
	Outcome Outcome `json:"outcome"`
}

type abortResponse struct {
	OK      bool `json:"ok"`
	Aborted bool `json:"aborted"`
}

type shutdownResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Outcome *Outcome `json:"outcome,omitempty"`
}
