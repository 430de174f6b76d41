package auth

import (
	"crypto/rsa"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// GCPCloudIoTCoreConfig defines the GCP Cloud IoT Core MQTT bridge
// configuration. See:
// https://cloud.google.com/iot/docs/how-tos/mqtt-bridge
type GCPCloudIoTCoreConfig struct {
	Server        string
	DeviceID      string
	ProjectID     string
	CloudRegion   string
	RegistryID    string
	JWTExpiration time.Duration
	JWTKeyFile    string
}

// GCPCloudIoTCoreAuthentication implements the GCP Cloud IoT Core MQTT
// bridge authentication: a connection-scoped JWT, signed with the device's
// RSA private key, carried as the MQTT password.
type GCPCloudIoTCoreAuthentication struct {
	mu sync.Mutex

	server        string
	clientID      string
	projectID     string
	jwtExpiration time.Duration
	signKey       *rsa.PrivateKey
}

// NewGCPCloudIoTCoreAuthentication creates a GCPCloudIoTCoreAuthentication.
func NewGCPCloudIoTCoreAuthentication(conf GCPCloudIoTCoreConfig) (Authentication, error) {
	rawKey, err := ioutil.ReadFile(conf.JWTKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "read jwt key file error")
	}

	signKey, err := jwt.ParseRSAPrivateKeyFromPEM(rawKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse rsa private key error")
	}

	clientID := fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		conf.ProjectID, conf.CloudRegion, conf.RegistryID, conf.DeviceID)

	return &GCPCloudIoTCoreAuthentication{
		server:        conf.Server,
		clientID:      clientID,
		projectID:     conf.ProjectID,
		jwtExpiration: conf.JWTExpiration,
		signKey:       signKey,
	}, nil
}

// Init sets the broker and the static client id. GCP Cloud IoT Core ignores
// the username field entirely.
func (a *GCPCloudIoTCoreAuthentication) Init(opts *mqtt.ClientOptions) error {
	opts.AddBroker(a.server)
	opts.SetClientID(a.clientID)
	opts.SetUsername("unused")
	return nil
}

// Update signs a fresh JWT and sets it as the MQTT password. GCP terminates
// the connection once the token expires, so the caller must also use
// ReconnectAfter to force a reconnect before that happens.
func (a *GCPCloudIoTCoreAuthentication) Update(opts *mqtt.ClientOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	claims := jwt.StandardClaims{
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(a.jwtExpiration).Unix(),
		Audience:  a.projectID,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.signKey)
	if err != nil {
		return errors.Wrap(err, "sign jwt error")
	}

	opts.SetPassword(token)
	return nil
}

// ReconnectAfter forces a reconnect (and so a token refresh) before the
// signed JWT expires.
func (a *GCPCloudIoTCoreAuthentication) ReconnectAfter() time.Duration {
	if a.jwtExpiration <= time.Minute {
		return a.jwtExpiration
	}
	return a.jwtExpiration - time.Minute
}
