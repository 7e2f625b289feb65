package main

import "time"

// WatchFlags Flag struct to decouple cobra from logic for testing.
// Zero values mean "not set"; only flags the user changed override the config.
type WatchFlags struct {
	ConfigPath    string
	CollectorURL  string
	Timeout       time.Duration
	StrictStatus  bool
	Interval      time.Duration
	EventLog      string
	LogLevel      string
	MetricsListen string
	ServerListen  string
	HistorySinks  []string
}
