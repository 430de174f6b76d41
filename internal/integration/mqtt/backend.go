// Package mqtt is the demo integration embedding: it republishes the
// runtime's EventBus over MQTT as JSON, and turns inbound downlink commands
// into udpserver.DownlinkSender.Send calls. None of this is part of the
// Semtech UDP protocol itself -- an embedding application is free to ignore
// this package entirely and drive udpserver directly.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loranet/semtech-udp-bridge/internal/config"
	"github.com/loranet/semtech-udp-bridge/internal/integration/mqtt/auth"
	"github.com/loranet/semtech-udp-bridge/internal/tracing"
	"github.com/loranet/semtech-udp-bridge/internal/udpserver"
)

// Backend is a running MQTT republisher/command-listener.
type Backend struct {
	sync.RWMutex

	auth       auth.Authentication
	conn       paho.Client
	closed     bool
	clientOpts *paho.ClientOptions
	sender     *udpserver.DownlinkSender
	gateways   map[udpserver.MacAddress]struct{}

	qos                  uint8
	eventTopicTemplate   *template.Template
	commandTopicTemplate *template.Template
}

type topicVars struct {
	GatewayID udpserver.MacAddress
	EventType string
}

// NewBackend connects to the broker described by conf and returns a Backend
// ready to have Run called on it. sender is used to forward inbound downlink
// commands.
func NewBackend(conf config.Config, sender *udpserver.DownlinkSender) (*Backend, error) {
	var err error

	b := Backend{
		qos:        conf.Integration.MQTT.Auth.Generic.QOS,
		clientOpts: paho.NewClientOptions(),
		sender:     sender,
		gateways:   make(map[udpserver.MacAddress]struct{}),
	}

	eventTopicTemplate := conf.Integration.MQTT.EventTopicTemplate
	commandTopicTemplate := conf.Integration.MQTT.CommandTopicTemplate

	switch conf.Integration.MQTT.Auth.Type {
	case "generic":
		b.auth, err = auth.NewGenericAuthentication(auth.GenericConfig{
			Server:               conf.Integration.MQTT.Auth.Generic.Server,
			Username:             conf.Integration.MQTT.Auth.Generic.Username,
			Password:             conf.Integration.MQTT.Auth.Generic.Password,
			CACert:               conf.Integration.MQTT.Auth.Generic.CACert,
			TLSCert:              conf.Integration.MQTT.Auth.Generic.TLSCert,
			TLSKey:               conf.Integration.MQTT.Auth.Generic.TLSKey,
			CleanSession:         conf.Integration.MQTT.Auth.Generic.CleanSession,
			ClientID:             conf.Integration.MQTT.Auth.Generic.ClientID,
			MaxReconnectInterval: conf.Integration.MQTT.Auth.Generic.MaxReconnectInterval,
		})
		if err != nil {
			return nil, errors.Wrap(err, "integration/mqtt: new generic authentication error")
		}
	case "gcp_cloud_iot_core":
		b.auth, err = auth.NewGCPCloudIoTCoreAuthentication(auth.GCPCloudIoTCoreConfig{
			Server:        conf.Integration.MQTT.Auth.GCPCloudIoTCore.Server,
			DeviceID:      conf.Integration.MQTT.Auth.GCPCloudIoTCore.DeviceID,
			ProjectID:     conf.Integration.MQTT.Auth.GCPCloudIoTCore.ProjectID,
			CloudRegion:   conf.Integration.MQTT.Auth.GCPCloudIoTCore.CloudRegion,
			RegistryID:    conf.Integration.MQTT.Auth.GCPCloudIoTCore.RegistryID,
			JWTExpiration: conf.Integration.MQTT.Auth.GCPCloudIoTCore.JWTExpiration,
			JWTKeyFile:    conf.Integration.MQTT.Auth.GCPCloudIoTCore.JWTKeyFile,
		})
		if err != nil {
			return nil, errors.Wrap(err, "integration/mqtt: new GCP Cloud IoT Core authentication error")
		}
		eventTopicTemplate = "/devices/gw-{{ .GatewayID }}/events/{{ .EventType }}"
		commandTopicTemplate = "/devices/gw-{{ .GatewayID }}/commands/#"
	case "azure_iot_hub":
		b.auth, err = auth.NewAzureIoTHubAuthentication(auth.AzureIoTHubConfig{
			DeviceConnectionString: conf.Integration.MQTT.Auth.AzureIoTHub.DeviceConnectionString,
			DeviceID:               conf.Integration.MQTT.Auth.AzureIoTHub.DeviceID,
			Hostname:               conf.Integration.MQTT.Auth.AzureIoTHub.Hostname,
			DeviceKey:              conf.Integration.MQTT.Auth.AzureIoTHub.DeviceKey,
			SASTokenExpiration:     conf.Integration.MQTT.Auth.AzureIoTHub.SASTokenExpiration,
		})
		if err != nil {
			return nil, errors.Wrap(err, "integration/mqtt: new azure iot hub authentication error")
		}
		eventTopicTemplate = "devices/{{ .GatewayID }}/messages/events/{{ .EventType }}"
		commandTopicTemplate = "devices/{{ .GatewayID }}/messages/devicebound/#"
	default:
		return nil, fmt.Errorf("integration/mqtt: unknown auth type: %s", conf.Integration.MQTT.Auth.Type)
	}

	b.eventTopicTemplate, err = template.New("event").Parse(eventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "integration/mqtt: parse event-topic template error")
	}

	b.commandTopicTemplate, err = template.New("command").Parse(commandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "integration/mqtt: parse command-topic template error")
	}

	b.clientOpts.SetProtocolVersion(4)
	b.clientOpts.SetAutoReconnect(false)
	b.clientOpts.SetOnConnectHandler(b.onConnected)
	b.clientOpts.SetConnectionLostHandler(b.onConnectionLost)

	if err = b.auth.Init(b.clientOpts); err != nil {
		return nil, errors.Wrap(err, "mqtt: init authentication error")
	}

	b.connectLoop()
	go b.reconnectLoop()

	return &b, nil
}

// Run drains source until it errors (typically because the runtime closed),
// republishing PushData (rxpk/stat) and TxAck packet events on MQTT and
// subscribing to a gateway's command topic on its NewClientEvent or
// UpdateClientEvent. Inbound downlink commands are forwarded via the sender
// passed to NewBackend.
func (b *Backend) Run(ctx context.Context, source *udpserver.EventSource) error {
	for {
		ev, err := source.Recv(ctx)
		if err != nil {
			return err
		}
		b.handleEvent(ev)
	}
}

func (b *Backend) handleEvent(ev udpserver.Event) {
	switch e := ev.(type) {
	case udpserver.NewClientEvent:
		b.subscribeGateway(e.Mac)
	case udpserver.UpdateClientEvent:
		b.subscribeGateway(e.Mac)
	case udpserver.PacketEvent:
		b.publishPacketEvent(e)
	}
}

// publishPacketEvent continues the span the reader started for this packet
// (carried across the EventBus in e.Carrier) so a trace backend can show the
// MQTT publish as a child of the original udpserver.handle span.
func (b *Backend) publishPacketEvent(e udpserver.PacketEvent) {
	if e.Carrier != nil {
		if sc, err := tracing.ExtractSpanContextFromBinaryCarrier(tracing.Tracer, e.Carrier); err == nil {
			span := tracing.Tracer.StartSpan("integration/mqtt.publishPacketEvent", opentracing.ChildOf(sc))
			defer span.Finish()
		}
	}

	switch p := e.Packet.(type) {
	case *udpserver.PushDataPacket:
		if len(p.Payload.RxPk) > 0 {
			b.publish(p.GatewayMAC, "up", p.Payload.RxPk)
		}
		if p.Payload.Stat != nil {
			b.publish(p.GatewayMAC, "stats", p.Payload.Stat)
		}
	case *udpserver.TxAckPacket:
		b.publish(p.GatewayMAC, "ack", p.Payload)
	}
}

// Close closes the backend.
func (b *Backend) Close() error {
	b.Lock()
	b.closed = true
	b.Unlock()

	b.conn.Disconnect(250)
	return nil
}

func (b *Backend) subscribeGateway(mac udpserver.MacAddress) {
	b.Lock()
	defer b.Unlock()

	if _, ok := b.gateways[mac]; ok {
		return
	}

	if err := b.subscribeGatewayLocked(mac); err != nil {
		log.WithError(err).WithField("mac", mac).Error("integration/mqtt: subscribe gateway error")
		return
	}
	b.gateways[mac] = struct{}{}
}

func (b *Backend) subscribeGatewayLocked(mac udpserver.MacAddress) error {
	topic := bytes.NewBuffer(nil)
	if err := b.commandTopicTemplate.Execute(topic, topicVars{GatewayID: mac}); err != nil {
		return errors.Wrap(err, "execute command topic template error")
	}

	log.WithFields(log.Fields{
		"topic": topic.String(),
		"qos":   b.qos,
	}).Info("integration/mqtt: subscribing to topic")

	return mqttSubscribeTimer(func() error {
		if token := b.conn.Subscribe(topic.String(), b.qos, b.handleCommand); token.Wait() && token.Error() != nil {
			return errors.Wrap(token.Error(), "subscribe topic error")
		}
		return nil
	})
}

func (b *Backend) publish(mac udpserver.MacAddress, event string, v interface{}) {
	err := mqttPublishTimer(event, func() error {
		topic := bytes.NewBuffer(nil)
		if err := b.eventTopicTemplate.Execute(topic, topicVars{GatewayID: mac, EventType: event}); err != nil {
			return errors.Wrap(err, "execute event topic template error")
		}

		payload, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "marshal event payload error")
		}

		log.WithFields(log.Fields{
			"topic": topic.String(),
			"qos":   b.qos,
			"event": event,
		}).Debug("integration/mqtt: publishing event")

		if token := b.conn.Publish(topic.String(), b.qos, false, payload); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"mac": mac, "event": event}).Error("integration/mqtt: publish event error")
	}
}

func (b *Backend) connect() error {
	b.Lock()
	defer b.Unlock()

	if err := b.auth.Update(b.clientOpts); err != nil {
		return errors.Wrap(err, "integration/mqtt: update authentication error")
	}

	b.conn = paho.NewClient(b.clientOpts)

	return mqttConnectTimer(func() error {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	})
}

func (b *Backend) connectLoop() {
	for {
		if err := b.connect(); err != nil {
			log.WithError(err).Error("integration/mqtt: connection error")
			time.Sleep(time.Second * 2)
		} else {
			break
		}
	}
}

func (b *Backend) disconnect() {
	mqttConnectionCounter("disconnect")

	b.Lock()
	defer b.Unlock()

	b.conn.Disconnect(250)
}

func (b *Backend) reconnectLoop() {
	if b.auth.ReconnectAfter() <= 0 {
		return
	}
	for {
		if b.closed {
			break
		}
		time.Sleep(b.auth.ReconnectAfter())

		mqttConnectionCounter("reconnect")
		b.disconnect()
		b.connectLoop()
	}
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectionCounter("connected")

	b.RLock()
	defer b.RUnlock()

	log.Info("integration/mqtt: connected to mqtt broker")

	for mac := range b.gateways {
		for {
			if err := b.subscribeGatewayLocked(mac); err != nil {
				log.WithError(err).WithField("mac", mac).Error("integration/mqtt: subscribe gateway error")
				time.Sleep(time.Second)
				continue
			}
			break
		}
	}
}

func (b *Backend) onConnectionLost(c paho.Client, err error) {
	mqttConnectionCounter("lost")
	log.WithError(err).Error("integration/mqtt: connection error")
	b.connectLoop()
}

// handleCommand accepts exactly one command today: a JSON-encoded
// udpserver.TxPk on .../command/down, published to a topic ending in
// "down" (generic/Azure templates) or addressed via the GCP Cloud IoT Core
// "commands/down" suffix.
func (b *Backend) handleCommand(c paho.Client, msg paho.Message) {
	if !strings.HasSuffix(msg.Topic(), "down") {
		log.WithField("topic", msg.Topic()).Warning("integration/mqtt: unexpected command received")
		return
	}
	mqttCommandCounter("down")

	mac, ok := macFromTopic(msg.Topic())
	if !ok {
		log.WithField("topic", msg.Topic()).Error("integration/mqtt: could not parse gateway mac from command topic")
		return
	}

	var txpk udpserver.TxPk
	if err := json.Unmarshal(msg.Payload(), &txpk); err != nil {
		log.WithError(err).Error("integration/mqtt: unmarshal downlink command error")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.sender.Send(ctx, txpk, mac); err != nil {
			log.WithError(err).WithField("mac", mac).Error("integration/mqtt: downlink send error")
		}
	}()
}

// macFromTopic extracts the gateway MAC from any of the three topic shapes
// this package subscribes to commands under, by scanning segments for a
// well-formed 16-hex-digit EUI64.
func macFromTopic(topic string) (udpserver.MacAddress, bool) {
	var mac udpserver.MacAddress
	for _, segment := range strings.Split(topic, "/") {
		segment = strings.TrimPrefix(segment, "gw-")
		if len(segment) != 16 {
			continue
		}
		if err := mac.UnmarshalText([]byte(segment)); err == nil {
			return mac, true
		}
	}
	return mac, false
}
