package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports a worker healthy when its port accepts a connection
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker for host:port
func NewTCPChecker(address string, timeout time.Duration) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: timeout}
}

// Check dials once
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: t.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()

	return Result{Healthy: true, Message: "connected", CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
