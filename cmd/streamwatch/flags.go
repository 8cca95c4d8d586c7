package main

import "time"

// Flag structs decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

type RunFlags struct {
	SessionID     string
	Region        string
	CheckInterval time.Duration
	OutputDir     string
}

// APIFlags select the HTTP API of a running monitor instead of its files.
type APIFlags struct {
	URL      string
	Timeout  time.Duration
	Insecure bool
}

type StatusFlags struct {
	JSON bool
	API  APIFlags
}

type CtlFlags struct {
	Duration time.Duration
	Reason   string
	API      APIFlags
}

type ConfigInitFlags struct {
	Force bool
}
