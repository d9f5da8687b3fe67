// svcore is a unit-graph service manager: it activates units in
// dependency order, supervises their processes, restarts them on
// failure, and reacts to socket activation the way a system service
// manager does.
//
// Commands:
//
//	daemon       - run the manager as a persistent supervisor
//	start        - load the unit graph and activate a unit
//	stop         - deactivate a unit
//	restart      - reactivate a unit
//	status       - print a unit's current status
//	list-units   - list every loaded unit and its status
//	exec-helper  - internal: privileged pre-exec sequence (hidden)
//	version      - print version information
package main

import (
	"fmt"
	"os"

	"service-core/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "svcore:", err)
		os.Exit(1)
	}
}
