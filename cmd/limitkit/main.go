// Limitkit serves namespaced rate limits over HTTP.
//
// Usage:
//
//	# Start with an in-memory store and default settings
//	limitkit run
//
//	# Start with a configuration file
//	limitkit run --config /etc/limitkit/config.yaml
//
//	# Check a configuration and its limits file
//	limitkit validate --config config.yaml --limits limits.yaml
package main

func main() {
	Execute()
}
