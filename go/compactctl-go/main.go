package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "daily", "Compact yesterday's partitions", `
Compact every partition of yesterday (UTC). Re-running is idempotent:
finished partitions are skipped and the catch-up watermark only moves
forward.
`, &cmdDaily{})

	addCmd(parser, "catch-up", "Compact every date since the watermark", `
Compact every raw date between the journal's last_compacted_date and
today, oldest first. With no watermark yet, start from yesterday.
`, &cmdCatchUp{})

	addCmd(parser, "backfill", "Compact pending historical dates", `
Compact pending dates newest-first, or an explicit --from/--to range.
Backfill never advances the catch-up watermark.
`, &cmdBackfill{})

	addCmd(parser, "cleanup", "Erase compact output for a date range", `
Erase compact artifacts and journal entries for every date in the
--from/--to range. A dry run unless --apply is set.
`, &cmdCleanup{})

	addCmd(parser, "wipe", "Delete the entire compact store", `
Delete every object of the compact store, including the journal and all
coordination keys. A dry run unless --apply is set.
`, &cmdWipe{})

	addCmd(parser, "quicktest", "End-to-end smoke test on real data", `
Wipe the compact store, compact a handful of small real partitions end
to end under the quicktest journal, and fail loudly with triage
diagnostics if anything goes wrong.
`, &cmdQuicktest{})

	addCmd(parser, "quality-report", "Print recent day-quality verdicts", `
Evaluate and print the day-quality verdicts of the last N days.
`, &cmdQualityReport{})

	addCmd(parser, "verify", "Validate published artifacts of a date", `
Download every published data file of a date and validate it against
its metadata sidecar.
`, &cmdVerify{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		log.WithField("err", err).Error("command failed")
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		panic(err)
	}
	return cmd
}
