package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdCleanup struct {
	baseConfig
	From  string `long:"from" required:"true" description:"First date to erase, YYYYMMDD"`
	To    string `long:"to" required:"true" description:"Last date to erase, YYYYMMDD"`
	Apply bool   `long:"apply" description:"Actually erase (default: dry run)"`
}

func (cmd *cmdCleanup) Execute(_ []string) error {
	r, err := cmd.buildBaseRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.Cleanup(context.Background(), cmd.From, cmd.To, cmd.Apply)
}
