package ble

import "time"

// Status is a point-in-time snapshot of the connection, returned by the
// remote service's /api/ble/status endpoint.
type Status struct {
	State         State     `json:"state"`
	DeviceAddress string    `json:"device_address,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
	Synced        bool      `json:"synced"`
}

// Snapshot returns the current Status.
func (c *Client) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state,
		DeviceAddress: c.deviceAddr,
		LastActivity:  c.LastActivity(),
		Synced:        c.synced,
	}
}
