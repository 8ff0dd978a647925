// Command quince is a minimal QUIC client/server driver over the
// quiche package, mirroring the teacher's own cmd/quince demo shape.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "client":
		err = clientCommand(os.Args[2:])
	case "server":
		err = serverCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: quince <client|server> [options]")
}
