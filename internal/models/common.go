package models

import "encoding/json"

// APIResponse is the envelope every PVE endpoint answers with.
type APIResponse[T any] struct {
	Data   T                          `json:"data"`
	Errors map[string]json.RawMessage `json:"errors,omitempty"`
}

// Ticket is the payload of POST /access/ticket.
type Ticket struct {
	Username            string `json:"username"`
	Ticket              string `json:"ticket"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
}

type Version struct {
	Version string `json:"version"`
	Release string `json:"release"`
	RepoID  string `json:"repoid"`
}

type NodeEntry struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu,omitempty"`
	MaxCPU int     `json:"maxcpu,omitempty"`
	Mem    int64   `json:"mem,omitempty"`
	MaxMem int64   `json:"maxmem,omitempty"`
	Uptime int64   `json:"uptime,omitempty"`
}
