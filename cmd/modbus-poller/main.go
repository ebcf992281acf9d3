// Package main is the entry point for the Modbus poller service.
package main

import "github.com/ahmeth-sd/scada-modbus-demo/cmd/modbus-poller/cmd"

func main() {
	cmd.Execute()
}
