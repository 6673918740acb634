package main

import (
	"log"

	"github.com/rarydzu/monostore/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.Fatalf("monostore: %v", err)
	}
}
