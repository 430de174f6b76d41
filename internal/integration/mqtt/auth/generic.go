package auth

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// GenericConfig defines the generic (username/password/TLS) MQTT broker
// configuration.
type GenericConfig struct {
	Server               string
	Username             string
	Password             string
	CACert               string
	TLSCert              string
	TLSKey               string
	CleanSession         bool
	ClientID             string
	MaxReconnectInterval time.Duration
}

// GenericAuthentication implements a plain username/password/TLS-cert MQTT
// connection, the default strategy for any broker that doesn't need a
// rotating per-connection credential.
type GenericAuthentication struct {
	server       string
	username     string
	password     string
	cleanSession bool
	clientID     string
	tlsConfig    *tls.Config
}

// NewGenericAuthentication creates a GenericAuthentication.
func NewGenericAuthentication(conf GenericConfig) (Authentication, error) {
	tlsConfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "new tls config error")
	}

	return &GenericAuthentication{
		server:       conf.Server,
		username:     conf.Username,
		password:     conf.Password,
		cleanSession: conf.CleanSession,
		clientID:     conf.ClientID,
		tlsConfig:    tlsConfig,
	}, nil
}

// Init sets the broker, client id and the static username/password/TLS
// options.
func (a *GenericAuthentication) Init(opts *mqtt.ClientOptions) error {
	opts.AddBroker(a.server)
	opts.SetUsername(a.username)
	opts.SetPassword(a.password)
	opts.SetCleanSession(a.cleanSession)
	opts.SetClientID(a.clientID)
	if a.tlsConfig != nil {
		opts.SetTLSConfig(a.tlsConfig)
	}
	return nil
}

// Update is a no-op: the generic strategy has nothing to rotate.
func (a *GenericAuthentication) Update(opts *mqtt.ClientOptions) error {
	return nil
}

// ReconnectAfter disables the periodic forced reconnect.
func (a *GenericAuthentication) ReconnectAfter() time.Duration {
	return 0
}

// newTLSConfig builds a *tls.Config from PEM file paths. All three empty
// means plain TCP (no TLS.config needed); a caller wanting "tls://" without
// client certs can set only caCert.
func newTLSConfig(caCert, tlsCert, tlsKey string) (*tls.Config, error) {
	if caCert == "" && tlsCert == "" && tlsKey == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if caCert != "" {
		rawCACert, err := ioutil.ReadFile(caCert)
		if err != nil {
			return nil, errors.Wrap(err, "read ca certificate error")
		}

		certpool := x509.NewCertPool()
		if !certpool.AppendCertsFromPEM(rawCACert) {
			return nil, errors.New("append ca certificate to pool error")
		}
		tlsConfig.RootCAs = certpool
	}

	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, errors.Wrap(err, "load x509 keypair error")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
