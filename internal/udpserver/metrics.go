package udpserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loranet/semtech-udp-bridge/internal/metrics"
)

var (
	udpReadCounter        func(string)
	udpWriteCounter       func(string)
	udpParseErrorCounter  func()
	udpDowlinkDropCounter func(string)
	eventBusLaggedCounter func()
	downlinkResultCounter func(string)
)

func init() {
	rc := metrics.MustRegisterNewCounter(
		"udp_frame_received_total",
		"Per packet-type count of frames read from the socket.",
		[]string{"type"},
	)
	wc := metrics.MustRegisterNewCounter(
		"udp_frame_sent_total",
		"Per packet-type count of frames written to the socket.",
		[]string{"type"},
	)
	pe := metrics.MustRegisterNewCounter(
		"udp_frame_parse_error_total",
		"Count of datagrams that failed to parse as a Semtech UDP frame.",
		nil,
	)
	dd := metrics.MustRegisterNewCounter(
		"downlink_gateway_unknown_total",
		"Per gateway-MAC count of downlinks NACKed because no route is known.",
		[]string{"mac"},
	)
	eb := metrics.MustRegisterNewCounter(
		"eventbus_lagged_total",
		"Count of LaggedEvent deliveries across all subscribers.",
		nil,
	)
	dr := metrics.MustRegisterNewCounter(
		"downlink_result_total",
		"Per outcome count of DownlinkGateway.Send calls.",
		[]string{"result"},
	)

	udpReadCounter = func(t string) { rc(prometheus.Labels{"type": t}) }
	udpWriteCounter = func(t string) { wc(prometheus.Labels{"type": t}) }
	udpParseErrorCounter = func() { pe(prometheus.Labels{}) }
	udpDowlinkDropCounter = func(mac string) { dd(prometheus.Labels{"mac": mac}) }
	eventBusLaggedCounter = func() { eb(prometheus.Labels{}) }
	downlinkResultCounter = func(result string) { dr(prometheus.Labels{"result": result}) }
}
