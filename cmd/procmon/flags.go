package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type RunFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

type StopFlags struct {
	Name    string
	Timeout time.Duration
}
