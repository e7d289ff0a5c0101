package sip

import (
	"net"
	"strconv"
	"strings"
	"time"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/flowtoken"
)

// Connection describes the network path a request arrived on.
type Connection struct {
	Transport  flowtoken.Transport
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// Flow captures the connection as a flow without a proxy hop.
func (c Connection) Flow() flowtoken.Flow {
	return flowtoken.Flow{
		Transport:  c.Transport,
		RemoteHost: c.RemoteHost,
		RemotePort: c.RemotePort,
		LocalHost:  c.LocalHost,
		LocalPort:  c.LocalPort,
	}
}

// ConnectionFor describes the path req arrived on. The remote end is the
// observed source; the local end is the listening point it resolved to.
func ConnectionFor(req *sipparser.Request, points *ListeningPoints) (Connection, error) {
	t, err := flowtoken.ParseTransport(req.Transport())
	if err != nil {
		return Connection{}, err
	}

	host, port, err := splitAddr(req.Source())
	if err != nil {
		return Connection{}, err
	}

	lp, ok := points.Resolve(t, req.Destination())
	if !ok {
		return Connection{}, errors.NewFlowFailed("no listening point for transport", map[string]interface{}{
			"transport": t.String(),
		})
	}

	return Connection{
		Transport:  t,
		LocalHost:  lp.Host,
		LocalPort:  lp.Port,
		RemoteHost: host,
		RemotePort: port,
	}, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.NewInvalidSIP("invalid source address", map[string]interface{}{"address": addr})
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.NewInvalidSIP("invalid source port", map[string]interface{}{"address": addr})
	}
	return host, port, nil
}

// TrackedConnection is an entry of the connection table.
type TrackedConnection struct {
	Transport flowtoken.Transport
	Address   string
	// Alias is set when the entry is keyed by the Via sent-by port rather
	// than the port the packets came from.
	Alias    bool
	LastSeen time.Time
}

// ConnectionTable indexes the inbound stream connections the node can
// write back on.
type ConnectionTable struct {
	entries *ShardedMap[TrackedConnection]
	logger  *logrus.Logger
	now     func() time.Time
}

// NewConnectionTable creates an empty table.
func NewConnectionTable(logger *logrus.Logger) *ConnectionTable {
	return &ConnectionTable{
		entries: NewShardedMap[TrackedConnection](32),
		logger:  logger,
		now:     time.Now,
	}
}

func connectionKey(transport string, address string) string {
	return strings.ToUpper(transport) + "|" + address
}

// Track records the connection req arrived on. A request straight from an
// outbound client (one Via, Supported: outbound) is keyed by the physical
// remote port. Anything else is keyed by the top Via sent-by port so
// responses and new requests can reuse the connection the hop opened.
func (ct *ConnectionTable) Track(req *sipparser.Request, conn Connection) string {
	if !conn.Transport.Reliable() {
		return ""
	}

	port := conn.RemotePort
	alias := false

	vias, err := ReadVias(req)
	direct := err == nil && len(vias) == 1 && hasOptionTag(req, "Supported", "outbound")
	if !direct && err == nil && len(vias) > 0 && vias[0].Port > 0 {
		port = vias[0].Port
		alias = port != conn.RemotePort
	}

	address := net.JoinHostPort(conn.RemoteHost, strconv.Itoa(port))
	key := connectionKey(conn.Transport.String(), address)
	now := ct.now()

	ct.entries.Update(key, func(current TrackedConnection, exists bool) (TrackedConnection, bool) {
		if !exists && ct.logger != nil {
			ct.logger.WithFields(logrus.Fields{
				"transport": conn.Transport.String(),
				"address":   address,
				"alias":     alias,
			}).Debug("Tracking connection")
		}
		return TrackedConnection{Transport: conn.Transport, Address: address, Alias: alias, LastSeen: now}, true
	})
	return key
}

// Lookup reports whether a live connection to address over transport is
// known.
func (ct *ConnectionTable) Lookup(transport, address string) (TrackedConnection, bool) {
	return ct.entries.Load(connectionKey(transport, address))
}

// Forget drops a connection, for example after a write error.
func (ct *ConnectionTable) Forget(transport, address string) {
	ct.entries.Delete(connectionKey(transport, address))
}

// Prune removes entries idle for longer than maxIdle.
func (ct *ConnectionTable) Prune(maxIdle time.Duration) int {
	cutoff := ct.now().Add(-maxIdle)
	return ct.entries.DeleteIf(func(_ string, c TrackedConnection) bool {
		return c.LastSeen.Before(cutoff)
	})
}

// Count returns the number of tracked connections.
func (ct *ConnectionTable) Count() int {
	return ct.entries.Count()
}
