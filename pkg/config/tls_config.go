package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
)

// TLSConfig holds the SIP TLS listener configuration
type TLSConfig struct {
	Enabled    bool   `json:"enabled" env:"SIP_ENABLE_TLS" default:"false"`
	CertFile   string `json:"cert_file" env:"SIP_TLS_CERT_FILE"`
	KeyFile    string `json:"key_file" env:"SIP_TLS_KEY_FILE"`
	CAFile     string `json:"ca_file" env:"SIP_TLS_CA_FILE"`
	ClientAuth string `json:"client_auth" env:"SIP_TLS_CLIENT_AUTH" default:"none"` // none, request, require
	MinVersion string `json:"min_version" env:"SIP_TLS_MIN_VERSION" default:"1.2"`
}

// GetTLSConfig creates a *tls.Config from TLSConfig. It returns nil when TLS
// is disabled.
func (tc *TLSConfig) GetTLSConfig(logger *logrus.Logger) (*tls.Config, error) {
	if !tc.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	switch tc.MinVersion {
	case "1.2", "":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		logger.WithField("version", tc.MinVersion).Warning("Unknown TLS version, defaulting to 1.2")
	}

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS certificates", map[string]interface{}{
			"cert": tc.CertFile,
			"key":  tc.KeyFile,
		})
	}
	tlsConfig.Certificates = []tls.Certificate{cert}
	logger.WithFields(logrus.Fields{
		"cert": tc.CertFile,
		"key":  tc.KeyFile,
	}).Info("Loaded TLS certificates")

	if tc.CAFile != "" {
		caCert, err := os.ReadFile(tc.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA certificate")
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.RootCAs = caCertPool
		logger.WithField("ca", tc.CAFile).Info("Loaded CA certificate")
	}

	switch tc.ClientAuth {
	case "request":
		tlsConfig.ClientAuth = tls.RequestClientCert
	case "require":
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		if tlsConfig.ClientCAs == nil {
			return nil, errors.New("client certificate verification requires CA certificate")
		}
	default:
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	logger.WithFields(logrus.Fields{
		"min_version": tc.MinVersion,
		"client_auth": tc.ClientAuth,
	}).Info("TLS configuration loaded")

	return tlsConfig, nil
}
