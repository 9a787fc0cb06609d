// Package models defines the typed domain records shared by all services:
// telemetry, roast events, missions, command proposals, and governance state.
package models

import "fmt"

// MachineKey identifies a single roasting machine. It is the partition key
// for telemetry sessions, per-machine configuration, and command rate limits.
type MachineKey struct {
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`
}

// String returns the canonical "org/site/machine" form used in logs and
// as a map key.
func (k MachineKey) String() string {
	return k.OrgID + "/" + k.SiteID + "/" + k.MachineID
}

// Validate checks that all three components are present.
func (k MachineKey) Validate() error {
	if k.OrgID == "" {
		return fmt.Errorf("machine key: orgId is required")
	}
	if k.SiteID == "" {
		return fmt.Errorf("machine key: siteId is required")
	}
	if k.MachineID == "" {
		return fmt.Errorf("machine key: machineId is required")
	}
	return nil
}
