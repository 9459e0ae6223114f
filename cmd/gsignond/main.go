// Command gsignond is the SSO daemon's composition root: it loads
// configuration, opens both stores, mounts the secure directory, wires
// the ACM/factory/broker/daemon graph together, and runs the idle-reap
// loop until signalled to stop.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
