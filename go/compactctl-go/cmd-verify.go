package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdVerify struct {
	baseConfig
	Date string `long:"date" required:"true" description:"Date to verify, YYYYMMDD"`
}

func (cmd *cmdVerify) Execute(_ []string) error {
	r, err := cmd.buildBaseRunner(keys.StateKey)
	if err != nil {
		return err
	}
	_, err = r.Verify(context.Background(), cmd.Date)
	return err
}
