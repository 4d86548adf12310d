// Gaasgw is an API gateway that fronts registered HTTP services with key
// authentication, rate limiting, bot filtering, response watermarking, and
// a Merkle-batched transparency log anchored to Ethereum Sepolia.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gaasgw", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
