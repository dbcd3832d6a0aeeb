package models

import "time"

// CallLog is one finished call in the device's history.
type CallLog struct {
	ID           int64
	CallID       string
	TransportID  string
	Role         string
	Media        string
	RemoteHandle string
	RemoteName   string
	StartedAt    time.Time
	ConnectedAt  *time.Time
	EndedAt      time.Time
	Duration     int // seconds connected
	EndReason    string
	Category     string
}
