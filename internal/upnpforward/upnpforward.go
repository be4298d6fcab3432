// Package upnpforward defines the best-effort port-mapping surface the
// engine calls into when Config.EnableUPnP is set. No UPnP client
// library is present anywhere in the example pack this repo was
// grounded on, so the only implementation shipped here is a no-op:
// wiring a real one (e.g. internet-gateway-device discovery and
// WANIPConnection SOAP calls) is a drop-in behind the same Forwarder
// interface.
package upnpforward

import "github.com/cenkalti/gorain/internal/logger"

// Forwarder requests and releases an external port mapping for the
// engine's listen port. Implementations must be safe to call even
// when no gateway is reachable; failures are logged, never fatal,
// since the engine is fully usable without an open port.
type Forwarder interface {
	Forward(port int) error
	Close() error
}

// noop is the default Forwarder: it logs intent and does nothing.
// The engine always uses this Forwarder and calls Forward only when
// Config.EnableUPnP is set.
type noop struct {
	log logger.Logger
}

// NewNoop returns a Forwarder that only logs.
func NewNoop() Forwarder {
	return &noop{log: logger.New("upnp")}
}

func (n *noop) Forward(port int) error {
	n.log.Debugf("UPnP forwarding not available; listening on port %d without a gateway mapping", port)
	return nil
}

func (n *noop) Close() error { return nil }
