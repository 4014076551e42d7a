package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdCatchUp struct {
	runConfig
}

func (cmd *cmdCatchUp) Execute(_ []string) error {
	r, err := cmd.buildRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.CatchUp(context.Background())
}
