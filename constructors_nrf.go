//go:build tinygo || baremetal

// This file is built only for embedded targets (using real radio hardware).
package apol

import (
	"github.com/ystepanoff/apol/driver/nrf"
	"github.com/ystepanoff/apol/node"
)

func NewNode(cfg NodeConfig, lamp Lamp) (*Node, error) {
	return node.New(nrf.New(cfg.Radio.Channel), node.Options{Config: cfg, Lamp: lamp})
}
