// Package main provides the mqttbridge command line client.
//
// Usage:
//
//	mqttbridge [--config file] <command> [args]
//
// Commands:
//
//	publish   - publish one message
//	subscribe - print messages received on a topic filter
//	request   - send a request and wait for the correlated response
package main

import (
	"fmt"
	"os"

	"github.com/vitalvas/mqttbridge/cmd/mqttbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
