// Package sockopt applies low-level socket tuning to the relay's
// listening sockets before they start accepting traffic.
package sockopt

import "net"

// ListenConfig returns a net.ListenConfig whose Control hook sets
// SO_REUSEADDR (and, on unix, SO_REUSEPORT) on the socket before bind,
// so the relay can rebind its listen address quickly after a restart.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: control}
}
