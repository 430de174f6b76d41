// Package auth implements the MQTT connection authentication strategies the
// demo integration embedding supports: a generic username/password/TLS
// broker, Google Cloud IoT Core's per-connection signed JWT, and Azure IoT
// Hub's per-connection SAS token.
package auth

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Authentication is implemented by each supported MQTT auth strategy.
type Authentication interface {
	// Init sets the broker, client id and any static connect options.
	Init(opts *mqtt.ClientOptions) error
	// Update refreshes whatever credential must be rotated per-connection
	// (e.g. a signed JWT or SAS token). Called on every (re)connect.
	Update(opts *mqtt.ClientOptions) error
	// ReconnectAfter returns the interval after which the client must force
	// a reconnect to refresh its credential, or 0 to disable this.
	ReconnectAfter() time.Duration
}
