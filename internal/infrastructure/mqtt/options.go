package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options describes one broker connection.
type Options struct {
	// BrokerURL is tcp://, ssl://, mqtt:// or mqtts:// with host and port.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// QoS is the default QoS for PublishRetained.
	QoS byte

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// StatusTopic receives retained online/offline presence and the LWT.
	// Empty disables presence publishing.
	StatusTopic string
}

// OptionsFromConfig returns Options carrying the service-wide MQTT defaults.
// Callers fill in BrokerURL, credentials and StatusTopic per integration.
func OptionsFromConfig(cfg config.MQTTConfig) Options {
	opts := Options{
		ClientID:         cfg.Broker.ClientID,
		Username:         cfg.Auth.Username,
		Password:         cfg.Auth.Password,
		QoS:              byte(cfg.QoS), //nolint:gosec // validated 0..2 by config.Validate
		ReconnectInitial: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
	}
	if cfg.Broker.Host != "" {
		scheme := "tcp"
		if cfg.Broker.TLS {
			scheme = "ssl"
		}
		opts.BrokerURL = fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)
	}
	return opts
}

// normaliseBroker maps mqtt:// and mqtts:// onto the schemes paho accepts
// and reports whether TLS is in use.
func normaliseBroker(raw string) (string, bool, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidBroker, raw)
	}
	secure := false
	switch u.Scheme {
	case "tcp":
	case "mqtt":
		u.Scheme = "tcp"
	case "ssl", "tls":
		secure = true
	case "mqtts":
		u.Scheme = "ssl"
		secure = true
	case "ws":
	case "wss":
		secure = true
	default:
		return "", false, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBroker, u.Scheme)
	}
	return u.String(), secure, nil
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL (TLS when the scheme asks for it)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff
//   - Clean session mode
func buildClientOptions(o Options) (*pahomqtt.ClientOptions, error) {
	broker, secure, err := normaliseBroker(o.BrokerURL)
	if err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	if o.ReconnectInitial > 0 {
		opts.SetConnectRetryInterval(o.ReconnectInitial)
	}
	if o.ReconnectMax > 0 {
		opts.SetMaxReconnectInterval(o.ReconnectMax)
	}

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if secure {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if o.StatusTopic != "" {
		opts.SetWill(o.StatusTopic, buildStatusPayload(o.ClientID, "offline", "unexpected_disconnect"), 1, true)
	}

	return opts, nil
}

// buildStatusPayload creates the JSON payload for presence messages.
func buildStatusPayload(clientID, status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf(`{"status":"%s","client_id":"%s","reason":"%s","timestamp":"%s"}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
