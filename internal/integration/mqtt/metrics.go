package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loranet/semtech-udp-bridge/internal/metrics"
)

var (
	mqttConnectionCounter func(string)
	mqttCommandCounter    func(string)
	mqttConnectTimer      func(func() error) error
	mqttSubscribeTimer    func(func() error) error
	mqttPublishTimer      func(event string, f func() error) error
)

func init() {
	cc := metrics.MustRegisterNewCounter(
		"mqtt_connection_total",
		"Per mqtt connection event type.",
		[]string{"event"},
	)
	cmd := metrics.MustRegisterNewCounter(
		"mqtt_command_total",
		"Per inbound mqtt command type.",
		[]string{"command"},
	)
	connectTimer := metrics.MustRegisterNewTimerWithError(
		"mqtt_connect_duration",
		"Duration of the mqtt connect call.",
		nil,
	)
	subscribeTimer := metrics.MustRegisterNewTimerWithError(
		"mqtt_subscribe_duration",
		"Duration of the mqtt subscribe call.",
		nil,
	)
	publishTimer := metrics.MustRegisterNewTimerWithError(
		"mqtt_publish_duration",
		"Duration of the mqtt publish call.",
		[]string{"event"},
	)

	mqttConnectionCounter = func(event string) { cc(prometheus.Labels{"event": event}) }
	mqttCommandCounter = func(command string) { cmd(prometheus.Labels{"command": command}) }
	mqttConnectTimer = func(f func() error) error { return connectTimer(prometheus.Labels{}, f) }
	mqttSubscribeTimer = func(f func() error) error { return subscribeTimer(prometheus.Labels{}, f) }
	mqttPublishTimer = func(event string, f func() error) error {
		return publishTimer(prometheus.Labels{"event": event}, f)
	}
}
