package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdDaily struct {
	runConfig
}

func (cmd *cmdDaily) Execute(_ []string) error {
	r, err := cmd.buildRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.Daily(context.Background())
}
