package sip

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/flowtoken"
)

// ListeningPoint is one local address the node accepts SIP on. Index is the
// position in registration order and is what IBM-PO carries.
type ListeningPoint struct {
	Index     int
	Transport flowtoken.Transport
	Host      string
	Port      int
}

// HostPort renders the point as host:port.
func (lp ListeningPoint) HostPort() string {
	return net.JoinHostPort(lp.Host, strconv.Itoa(lp.Port))
}

// ListeningPoints is the ordered set of local listeners. Wildcard listen
// hosts are recorded under the advertised host so they can appear in URIs.
type ListeningPoints struct {
	mu         sync.RWMutex
	points     []ListeningPoint
	advertised string
	logger     *logrus.Logger
}

// NewListeningPoints creates an empty set. An empty advertised host is
// replaced by the first non-loopback interface address.
func NewListeningPoints(advertised string, logger *logrus.Logger) *ListeningPoints {
	if advertised == "" {
		advertised = detectLocalHost()
	}
	return &ListeningPoints{advertised: advertised, logger: logger}
}

// Advertised returns the host written into URIs for wildcard listeners.
func (l *ListeningPoints) Advertised() string {
	return l.advertised
}

// Add records a listener address such as "0.0.0.0:5060".
func (l *ListeningPoints) Add(transport, address string) (ListeningPoint, error) {
	t, err := flowtoken.ParseTransport(transport)
	if err != nil {
		return ListeningPoint{}, err
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return ListeningPoint{}, errors.Wrap(err, "invalid listen address").WithField("address", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xFFFF {
		return ListeningPoint{}, errors.NewInvalidInput("invalid listen port", map[string]interface{}{"address": address})
	}

	if isWildcard(host) {
		host = l.advertised
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lp := ListeningPoint{Index: len(l.points), Transport: t, Host: host, Port: port}
	l.points = append(l.points, lp)

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"index":     lp.Index,
			"transport": t.String(),
			"address":   lp.HostPort(),
		}).Info("Registered listening point")
	}
	return lp, nil
}

// Len returns the number of listening points.
func (l *ListeningPoints) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.points)
}

// All returns a copy of the points in index order.
func (l *ListeningPoints) All() []ListeningPoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ListeningPoint(nil), l.points...)
}

// ByIndex returns the point with the given index.
func (l *ListeningPoints) ByIndex(index int) (ListeningPoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.points) {
		return ListeningPoint{}, false
	}
	return l.points[index], true
}

// ByAddress finds the point bound to host:port, any transport.
func (l *ListeningPoints) ByAddress(host string, port int) (ListeningPoint, bool) {
	host = l.normalize(host)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lp := range l.points {
		if lp.Port == port && sameHost(lp.Host, host) {
			return lp, true
		}
	}
	return ListeningPoint{}, false
}

// Match finds the point of transport t bound to host:port.
func (l *ListeningPoints) Match(t flowtoken.Transport, host string, port int) (ListeningPoint, bool) {
	host = l.normalize(host)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lp := range l.points {
		if lp.Transport == t && lp.Port == port && sameHost(lp.Host, host) {
			return lp, true
		}
	}
	return ListeningPoint{}, false
}

// ForTransport returns the first point of transport.
func (l *ListeningPoints) ForTransport(t flowtoken.Transport) (ListeningPoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lp := range l.points {
		if lp.Transport == t {
			return lp, true
		}
	}
	return ListeningPoint{}, false
}

// IsSelf reports whether uri addresses this node. A URI without a port
// matches the default port of its transport.
func (l *ListeningPoints) IsSelf(uri URI) bool {
	port := uri.Port
	if port == 0 {
		port = 5060
		if uri.Scheme == "sips" || uri.Transport() == "tls" {
			port = 5061
		}
	}
	_, ok := l.ByAddress(uri.Host, port)
	return ok
}

// Resolve maps the local address a request arrived on to a point. It
// matches host and port first, then port alone for wildcard binds, then the
// first point of the transport.
func (l *ListeningPoints) Resolve(t flowtoken.Transport, local string) (ListeningPoint, bool) {
	if host, portStr, err := net.SplitHostPort(local); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			if lp, ok := l.Match(t, host, port); ok {
				return lp, true
			}
			l.mu.RLock()
			for _, lp := range l.points {
				if lp.Transport == t && lp.Port == port {
					l.mu.RUnlock()
					return lp, true
				}
			}
			l.mu.RUnlock()
		}
	}
	return l.ForTransport(t)
}

func (l *ListeningPoints) normalize(host string) string {
	host = strings.Trim(host, "[]")
	if isWildcard(host) {
		return l.advertised
	}
	return host
}

func isWildcard(host string) bool {
	switch strings.Trim(host, "[]") {
	case "", "0.0.0.0", "::":
		return true
	}
	return false
}

func sameHost(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	return ipA != nil && ipB != nil && ipA.Equal(ipB)
}

func detectLocalHost() string {
	interfaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range interfaces {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP != nil && !ipNet.IP.IsLoopback() {
				if ipv4 := ipNet.IP.To4(); ipv4 != nil {
					return ipv4.String()
				}
			}
		}
		for _, addr := range interfaces {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP != nil && !ipNet.IP.IsLoopback() {
				return ipNet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
