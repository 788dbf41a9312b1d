// Command voicectl manages the local farm voice stores and runs terminal voice sessions.
package main

import "os"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
