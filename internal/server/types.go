package server

import "time"

// Wire types of the control API. pkg/client mirrors them.

type ErrorResponse struct {
	Error   string       `json:"error"`
	Outcome *OutcomeInfo `json:"outcome,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

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

type OutcomeInfo struct {
	Service   string `json:"service"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Polls     int    `json:"polls"`
	Escalated bool   `json:"escalated,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type ActionResponse struct {
	OK      bool        `json:"ok"`
	Outcome OutcomeInfo `json:"outcome"`
}

type ServiceStatus struct {
	Running bool       `json:"running"`
	Since   *time.Time `json:"since,omitempty"`
}

type StatusResponse struct {
	Seq      uint64                   `json:"seq"`
	At       time.Time                `json:"at"`
	Services map[string]ServiceStatus `json:"services"`
}

type AbortResponse struct {
	OK      bool `json:"ok"`
	Aborted bool `json:"aborted"`
}

type ShutdownResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}
