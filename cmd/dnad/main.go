package main

import (
	"flag"
	"log"

	"github.com/itsvs/dna/internal/daemon"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/dna/dna.yaml", "path to the daemon configuration")
	flag.Parse()

	if err := daemon.Run(*configPath, version); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
