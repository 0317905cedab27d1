// Package server defines shared error values and utility helpers that are
// reused across client and hub logic.
package server

import (
	"errors"
	"strings"
)

// ErrSendBufferFull is returned when a client's outbound queue has no room.
// The frame is dropped; the connection stays open.
var ErrSendBufferFull = errors.New("send buffer full")

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
