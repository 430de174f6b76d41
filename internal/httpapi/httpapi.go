// Package httpapi exposes a debug-only HTTP surface: a websocket endpoint
// that mirrors the runtime's EventBus to any number of observers, and the
// Prometheus /metrics endpoint. Neither is part of the Semtech UDP protocol;
// an embedding that doesn't want this surface can simply not call Serve.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loranet/semtech-udp-bridge/internal/udpserver"
)

var upgrader = websocket.Upgrader{
	// Debug endpoint: any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve starts the debug HTTP server in the background. It never blocks the
// caller; a failure to bind is logged, not returned, since this is a
// best-effort secondary endpoint and should never hold up runtime startup.
func Serve(bind string, bus *udpserver.EventBus) {
	if bind == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		handleEvents(w, r, bus)
	})

	log.WithField("bind", bind).Info("httpapi: starting debug http server")
	go func() {
		if err := http.ListenAndServe(bind, mux); err != nil {
			log.WithError(errors.Wrap(err, "httpapi: http server error")).Error("httpapi: server stopped")
		}
	}()
}

func handleEvents(w http.ResponseWriter, r *http.Request, bus *udpserver.EventBus) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("httpapi: websocket upgrade error")
		return
	}
	defer conn.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A websocket has no way to observe a half-closed TCP connection other
	// than attempting a read; run that on its own goroutine purely to
	// detect client disconnects and cancel ctx.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return
		}

		payload, err := marshalEvent(ev)
		if err != nil {
			log.WithError(err).Warn("httpapi: marshal event error")
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// wireEvent is the JSON envelope written to websocket observers: it adds a
// discriminant field since udpserver.Event carries none of its own.
type wireEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func marshalEvent(ev udpserver.Event) ([]byte, error) {
	var w wireEvent
	switch e := ev.(type) {
	case udpserver.PacketEvent:
		w = wireEvent{Type: "packet", Data: e.Packet}
	case udpserver.NewClientEvent:
		w = wireEvent{Type: "new_client", Data: e}
	case udpserver.UpdateClientEvent:
		w = wireEvent{Type: "update_client", Data: e}
	case udpserver.UnableToParseUdpFrameEvent:
		w = wireEvent{Type: "parse_error", Data: e}
	case udpserver.LaggedEvent:
		w = wireEvent{Type: "lagged", Data: e}
	case udpserver.FatalErrorEvent:
		w = wireEvent{Type: "fatal_error", Data: map[string]string{"error": e.Err.Error()}}
	default:
		w = wireEvent{Type: "unknown"}
	}
	return json.Marshal(w)
}
