package quality

import (
	"encoding/json"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

func TestAssessWindow(t *testing.T) {
	var cases = []struct {
		name   string
		window Window
		expect string
	}{
		{
			name:   "clean window is GOOD",
			window: Window{Quality: "GOOD"},
			expect: Good,
		},
		{
			name: "dropped events are hard BAD",
			window: Window{Signals: Signals{
				DroppedEvents: 12,
			}},
			expect: Bad,
		},
		{
			name: "queue peak at threshold is hard BAD",
			window: Window{Signals: Signals{
				QueuePctPeak: 90,
			}},
			expect: Bad,
		},
		{
			name: "binance offline above 600 is hard BAD",
			window: Window{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"binance": 650, "okx": 0},
			}},
			expect: Bad,
		},
		{
			name: "offline above 180 is DEGRADED",
			window: Window{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"okx": 200},
			}},
			expect: Degraded,
		},
		{
			name: "reconnect storm is DEGRADED",
			window: Window{Signals: Signals{
				Reconnects: 5,
			}},
			expect: Degraded,
		},
		{
			name: "accelerated drain is DEGRADED",
			window: Window{Signals: Signals{
				DrainModeAcceleratedSeconds: 181,
			}},
			expect: Degraded,
		},
		{
			// The BAD→DEGRADED downgrade requires max_offline < 300, which
			// binance's own offline seconds preclude here.
			name: "downgrade does not apply when max offline is high",
			window: Window{Signals: Signals{
				QueuePctPeak:             89,
				OfflineSecondsByExchange: map[string]float64{"binance": 650},
			}},
			expect: Bad,
		},
		{
			name: "DEGRADED overridden to GOOD when binance is healthy",
			window: Window{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"okx": 250, "binance": 0},
				EPSByExchange:            map[string]EPS{"binance": {Min: fptr(150)}},
				QueuePctPeak:             30,
			}},
			expect: Good,
		},
		{
			name: "override requires binance eps floor",
			window: Window{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"okx": 250, "binance": 0},
				EPSByExchange:            map[string]EPS{"binance": {Min: fptr(90)}},
				QueuePctPeak:             30,
			}},
			expect: Degraded,
		},
		{
			name: "override requires queue below 50",
			window: Window{Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"okx": 250, "binance": 0},
				EPSByExchange:            map[string]EPS{"binance": {Min: fptr(150)}},
				QueuePctPeak:             60,
			}},
			expect: Degraded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, AssessWindow(tc.window).PostQuality)
		})
	}
}

func TestAggregateDayVerdicts(t *testing.T) {
	var mk = func(post string, partial bool, drops int64, binanceOffline float64) Assessment {
		return Assessment{PostQuality: post, IsPartial: partial, DroppedEvents: drops, BinanceOffline: binanceOffline}
	}

	t.Run("three bad windows make a BAD day", func(t *testing.T) {
		var windows = []Assessment{mk(Bad, false, 1, 0), mk(Bad, false, 1, 0), mk(Bad, false, 1, 0)}
		for i := 0; i < 90; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		require.Equal(t, Bad, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("drop volume alone makes a BAD day", func(t *testing.T) {
		var windows = []Assessment{mk(Bad, false, 100001, 0)}
		for i := 0; i < 90; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		require.Equal(t, Bad, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("one or two bad windows make a DEGRADED day", func(t *testing.T) {
		var windows = []Assessment{mk(Bad, false, 1, 0)}
		for i := 0; i < 90; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		require.Equal(t, Degraded, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("binance offline total above 900 makes a DEGRADED day", func(t *testing.T) {
		var windows []Assessment
		for i := 0; i < 90; i++ {
			windows = append(windows, mk(Good, false, 0, 11))
		}
		require.Equal(t, Degraded, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("partial windows with a thin day make a PARTIAL day", func(t *testing.T) {
		var windows = []Assessment{mk(Good, true, 0, 0)}
		for i := 0; i < 79; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		require.Equal(t, Partial, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("partial windows with a full day stay GOOD", func(t *testing.T) {
		var windows = []Assessment{mk(Good, true, 0, 0)}
		for i := 0; i < 85; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		require.Equal(t, Good, AggregateDay(windows, nil).DayQuality)
	})

	t.Run("full good day is GOOD", func(t *testing.T) {
		var windows []Assessment
		for i := 0; i < ExpectedWindowsPerDay; i++ {
			windows = append(windows, mk(Good, false, 0, 0))
		}
		var report = AggregateDay(windows, nil)
		require.Equal(t, Good, report.DayQuality)
		require.Equal(t, ExpectedWindowsPerDay, report.Stats.Good)
		require.Equal(t, PostFilterVersion, report.Version)
	})
}

func TestDayReportSnapshot(t *testing.T) {
	var windows []Assessment
	for _, start := range []string{"2026-08-10T00:00:00Z", "2026-08-10T00:15:00Z"} {
		windows = append(windows, AssessWindow(Window{
			WindowStart: start,
			Quality:     "GOOD",
			Signals: Signals{
				OfflineSecondsByExchange: map[string]float64{"binance": 475},
			},
		}))
	}

	var report = AggregateDay(windows, nil)
	data, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)

	cupaloy.SnapshotT(t, string(data))
}
