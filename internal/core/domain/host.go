package domain

import (
	"net"
	"strconv"
	"time"
)

// Host is a managed endpoint with aggregate connectivity statistics.
type Host struct {
	ID       string `json:"id"       db:"id"`
	Hostname string `json:"hostname" db:"hostname"`
	Address  string `json:"address"  db:"address"`
	Port     int    `json:"port"     db:"port"`
	Enabled  bool   `json:"enabled"  db:"enabled"`

	LastConnectedAt  time.Time `json:"last_connected_at"  db:"last_connected_at"`
	LastSuccessAt    time.Time `json:"last_success_at"    db:"last_success_at"`
	LastFailureAt    time.Time `json:"last_failure_at"    db:"last_failure_at"`
	LastErrorMessage string    `json:"last_error_message" db:"last_error_message"`
	SuccessCount     int64     `json:"success_count"      db:"success_count"`
	FailureCount     int64     `json:"failure_count"      db:"failure_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Endpoint returns address:port, falling back to the hostname when no address is set.
func (h *Host) Endpoint() string {
	addr := h.Address
	if addr == "" {
		addr = h.Hostname
	}
	if h.Port == 0 {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(h.Port))
}

// SuccessRate over all recorded connections.
func (h *Host) SuccessRate() float64 {
	total := h.SuccessCount + h.FailureCount
	if total == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(total)
}
