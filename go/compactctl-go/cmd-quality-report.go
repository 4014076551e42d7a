package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
)

type cmdQualityReport struct {
	baseConfig
	Days int `long:"days" default:"14" description:"Report window in days, ending yesterday"`
}

func (cmd *cmdQualityReport) Execute(_ []string) error {
	r, err := cmd.buildBaseRunner(keys.StateKey)
	if err != nil {
		return err
	}
	return r.QualityReport(context.Background(), cmd.Days)
}
