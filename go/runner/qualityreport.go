package runner

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/quantlab/compactor/go/quality"
)

// DefaultQualityReportDays is the report window.
const DefaultQualityReportDays = 14

// QualityReport prints the day-quality verdicts of the last |days| dates
// ending yesterday. Zero selects the default window.
func (r *Runner) QualityReport(ctx context.Context, days int) error {
	if days <= 0 {
		days = DefaultQualityReportDays
	}
	var evaluator = quality.NewEvaluator(r.Raw)

	fmt.Printf("%-10s %-10s %8s %6s %6s %6s %10s %10s\n",
		"date", "verdict", "windows", "bad", "degr", "part", "drops", "offline_s")

	for i := days; i >= 1; i-- {
		var date = r.now().UTC().AddDate(0, 0, -i).Format("20060102")
		report, err := evaluator.EvaluateDay(ctx, date)
		if err != nil {
			return fmt.Errorf("evaluating %s: %w", date, err)
		}

		var verdict string
		switch report.DayQuality {
		case quality.Good:
			verdict = color.GreenString("%-10s", report.DayQuality)
		case quality.Degraded:
			verdict = color.YellowString("%-10s", report.DayQuality)
		default:
			verdict = color.RedString("%-10s", report.DayQuality)
		}

		fmt.Printf("%-10s %s %8d %6d %6d %6d %10d %10.0f\n",
			date, verdict,
			report.Stats.TotalWindows, report.Stats.Bad, report.Stats.Degraded,
			report.Stats.Partial, report.Stats.TotalDrops, report.Stats.BinanceOfflineTotal)
	}
	return nil
}
