package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdWipe struct {
	baseConfig
	Apply bool `long:"apply" description:"Actually delete (default: dry run)"`
}

func (cmd *cmdWipe) Execute(_ []string) error {
	r, err := cmd.buildBaseRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.Wipe(context.Background(), cmd.Apply)
}
