// Package discovery announces the speed-enforcement TCP listener over
// mDNS, adapted from the teacher's cmd/can-server/mdns.go. Unlike the
// teacher, there is no flag to name, disable, or retarget it: SPEC_FULL.md
// §6 treats the announcement as fixed ambient behavior, not a
// configuration surface.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the hardcoded mDNS service type advertised once the TCP
// listener is bound.
const ServiceType = "_speed-enforcement._tcp"

// Announce registers instance under ServiceType on port and returns a
// cleanup func that unregisters it. It runs until ctx is cancelled.
func Announce(ctx context.Context, port int) (func(), error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("speed-server-%s", host)
	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() {
		close(done)
		svc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}
