package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdBackfill struct {
	runConfig
	From string `long:"from" description:"First date of an explicit range, YYYYMMDD"`
	To   string `long:"to" description:"Last date of an explicit range, YYYYMMDD"`
}

func (cmd *cmdBackfill) Execute(_ []string) error {
	r, err := cmd.buildRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.Backfill(context.Background(), cmd.From, cmd.To)
}
