package executor

import (
	"errors"
	"net"
	"syscall"
)

// IsConnectivityError reports whether err belongs to the
// connectivity-loss class: DNS resolution failures, unreachable hosts,
// and missing routes. These are failures outside the caller's control,
// so retries triggered by them never drain the task's retry budget.
// A refused connection is deliberately not in this class: the host was
// reached, its server just is not answering.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	// Dial-phase timeouts mean the host never answered at all.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return true
	}

	return false
}
