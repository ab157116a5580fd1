//go:build !tinygo && !baremetal

// This file is built only for non-embedded targets (host-based testing).
package apol

import (
	"github.com/ystepanoff/apol/driver/stub"
	"github.com/ystepanoff/apol/node"
)

// NewNode builds a node on a standalone stub radio. Use stub.Air and node.New
// directly to put several nodes on one medium.
func NewNode(cfg NodeConfig, lamp Lamp) (*Node, error) {
	return node.New(stub.New(), node.Options{Config: cfg, Lamp: lamp})
}
