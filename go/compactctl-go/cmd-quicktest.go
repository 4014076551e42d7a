package main

import (
	"context"

	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/runner"
)

type cmdQuicktest struct {
	runConfig
	Date       string   `long:"date" description:"Pin the quicktest to this date, YYYYMMDD (default: newest completed raw date)"`
	Stream     string   `long:"stream" default:"bbo" description:"Candidate stream"`
	Candidates []string `long:"candidate-symbols" description:"Candidate symbols (default adausdt,xrpusdt,dogeusdt)"`
	Count      int      `long:"count" default:"2" description:"Partitions to compact"`
	MaxFiles   int      `long:"max-files" default:"400" description:"Skip candidates above this raw file count"`
	WipeAfter  bool     `long:"wipe-after" description:"Wipe the compact store after a pass"`
}

func (cmd *cmdQuicktest) Execute(_ []string) error {
	// Quicktest scopes all journal state to its own document.
	r, err := cmd.buildRunner(keys.QuicktestStateKey)
	if err != nil {
		return err
	}
	return r.Quicktest(context.Background(), runner.QuicktestOptions{
		Date:      cmd.Date,
		Symbols:   cmd.Candidates,
		Stream:    cmd.Stream,
		Count:     cmd.Count,
		MaxFiles:  cmd.MaxFiles,
		WipeAfter: cmd.WipeAfter,
	})
}
