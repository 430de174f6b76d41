package main

import (
	"github.com/loranet/semtech-udp-bridge/cmd/semtech-udp-bridge/cmd"
)

func main() {
	cmd.Execute(version)
}
