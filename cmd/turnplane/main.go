// Command turnplane runs the gateway: it terminates WebSocket connections
// from worker nodes, routes channel messages to them via declarative
// bindings, and tracks node health and message delivery across reconnects.
package main

import "github.com/nxlb/turnplane/cmd"

func main() {
	cmd.Execute()
}
