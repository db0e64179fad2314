package main

import (
	"github.com/braidmesh/braid-gossip/cmd/braid-node/cmd"
)

func main() {
	cmd.Execute()
}
