package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loranet/semtech-udp-bridge/internal/config"
	"github.com/loranet/semtech-udp-bridge/internal/httpapi"
	"github.com/loranet/semtech-udp-bridge/internal/integration/mqtt"
	"github.com/loranet/semtech-udp-bridge/internal/metrics"
	"github.com/loranet/semtech-udp-bridge/internal/tracing"
	"github.com/loranet/semtech-udp-bridge/internal/udpserver"
)

var (
	rt          *udpserver.Runtime
	mqttBackend *mqtt.Backend
)

func run(cmd *cobra.Command, args []string) error {
	tasks := []func() error{
		setLogLevel,
		printStartMessage,
		setupTracing,
		setupMetrics,
		setupRuntime,
		setupHTTPAPI,
		setupIntegration,
	}

	for _, t := range tasks {
		if err := t(); err != nil {
			log.Fatal(err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received")
	log.Warning("shutting down server")

	return shutdown()
}

func setLogLevel() error {
	log.SetLevel(log.Level(uint8(config.C.General.LogLevel)))
	return nil
}

func printStartMessage() error {
	log.WithFields(log.Fields{
		"version": version,
	}).Info("starting semtech-udp-bridge")
	return nil
}

func setupTracing() error {
	if !config.C.Tracing.Enabled {
		return nil
	}
	if err := tracing.Setup(config.C.Tracing.ServiceName); err != nil {
		return errors.Wrap(err, "setup tracing error")
	}
	return nil
}

func setupMetrics() error {
	return metrics.Serve(metrics.Config{
		EndpointEnabled: config.C.Metrics.Prometheus.EndpointEnabled,
		Bind:            config.C.Metrics.Prometheus.Bind,
	})
}

func setupRuntime() error {
	var err error
	rt, err = udpserver.New(config.C.UDPServer.Bind, udpserver.Config{
		WriterQueueSize:    config.C.UDPServer.WriterQueueSize,
		EventBusBufferSize: config.C.UDPServer.EventBusBufferSize,
	})
	if err != nil {
		return errors.Wrap(err, "setup udp server error")
	}
	return nil
}

func setupHTTPAPI() error {
	httpapi.Serve(config.C.HTTPAPI.Bind, rt.Bus())
	return nil
}

func setupIntegration() error {
	source, sender := rt.Split()

	var err error
	mqttBackend, err = mqtt.NewBackend(config.C, sender)
	if err != nil {
		return errors.Wrap(err, "setup mqtt integration error")
	}

	go func() {
		if err := mqttBackend.Run(context.Background(), source); err != nil {
			log.WithError(err).Error("integration/mqtt: event loop stopped")
		}
	}()

	return nil
}

func shutdown() error {
	if mqttBackend != nil {
		if err := mqttBackend.Close(); err != nil {
			log.WithError(err).Error("close mqtt integration error")
		}
	}
	if rt != nil {
		if err := rt.Close(); err != nil {
			log.WithError(err).Error("close udp server error")
		}
	}
	if err := tracing.Close(); err != nil {
		log.WithError(err).Error("close tracing error")
	}
	return nil
}
