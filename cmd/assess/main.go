// assess is the terminal client for evalstream: a single-participant chat,
// a live roster view and a gRPC generator sidecar.
package main

func main() {
	Execute()
}
