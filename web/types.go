package web

import (
	"github.com/sockaudit/sockaudit/database"
	"github.com/sockaudit/sockaudit/eventlog"
)

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Buffer           eventlog.Stats  `json:"buffer"`
	Probes           []ProbeStatus   `json:"probes"`
	Database         database.Counts `json:"database"`
	WhitelistEntries int             `json:"whitelist_entries"`
	ActiveRules      int             `json:"active_rules"`
}

// ProbeStatus reports one category's instrumentation state.
type ProbeStatus struct {
	Category string `json:"category"`
	Active   bool   `json:"active"`
}
