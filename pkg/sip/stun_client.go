package sip

import (
	"context"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
)

// STUNClient discovers the public address of the node so wildcard
// listeners can be advertised in Path and Record-Route URIs.
type STUNClient struct {
	servers []string
	logger  *logrus.Logger
	timeout time.Duration
}

// NewSTUNClient creates a new STUN client
func NewSTUNClient(servers []string, logger *logrus.Logger) *STUNClient {
	if len(servers) == 0 {
		servers = []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.stunprotocol.org:3478",
		}
	}

	return &STUNClient{
		servers: servers,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// GetExternalIP asks each server in turn for the mapped address.
func (sc *STUNClient) GetExternalIP(ctx context.Context) (string, error) {
	for _, server := range sc.servers {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		ip, err := sc.querySTUNServer(ctx, server)
		if err != nil {
			sc.logger.WithError(err).WithField("server", server).Debug("STUN query failed")
			continue
		}

		sc.logger.WithFields(logrus.Fields{
			"server":      server,
			"external_ip": ip,
		}).Info("Detected external IP via STUN")
		return ip, nil
	}

	return "", errors.New("no STUN server returned a mapped address", map[string]interface{}{
		"servers": sc.servers,
	})
}

func (sc *STUNClient) querySTUNServer(ctx context.Context, server string) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()

	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve STUN server address")
	}

	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return "", errors.Wrap(err, "failed to connect to STUN server")
	}
	defer conn.Close()

	if deadline, ok := queryCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(message.Raw); err != nil {
		return "", errors.Wrap(err, "failed to send STUN request")
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", errors.Wrap(err, "failed to read STUN response")
	}

	response := new(stun.Message)
	response.Raw = buf[:n]
	if err := response.Decode(); err != nil {
		return "", errors.Wrap(err, "failed to decode STUN response")
	}
	if response.TransactionID != message.TransactionID {
		return "", errors.New("STUN response for another transaction")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(response); err != nil {
			return "", errors.New("no address found in STUN response")
		}
		return mappedAddr.IP.String(), nil
	}
	return xorAddr.IP.String(), nil
}

// DiscoverAdvertisedHost resolves the host to advertise: the configured
// value when set, else the STUN mapped address, else the first local
// interface address.
func DiscoverAdvertisedHost(ctx context.Context, configured string, stunServers []string, logger *logrus.Logger) string {
	if configured != "" {
		return configured
	}
	if len(stunServers) > 0 {
		ip, err := NewSTUNClient(stunServers, logger).GetExternalIP(ctx)
		if err == nil {
			return ip
		}
		logger.WithError(err).Warn("STUN discovery failed, advertising a local address")
	}
	return detectLocalHost()
}
