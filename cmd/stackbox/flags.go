package main

import "time"

// GlobalFlags holds the persistent flags shared by the client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

// ActionFlags selects the service for start, stop, restart and pidfile delete.
type ActionFlags struct {
	Name string
}

type StatusFlags struct {
	Watch bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}
