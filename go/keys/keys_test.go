package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionKeyForms(t *testing.T) {
	var p = Partition{Exchange: "binance", Stream: "bbo", Symbol: "btcusdt", Date: "20260814"}

	require.Equal(t, "binance/bbo/btcusdt/20260814", p.String())
	require.Equal(t, "exchange=binance/stream=bbo/symbol=btcusdt/date=20260814/", p.RawPrefix())
	require.Equal(t, p.RawPrefix()+"data.parquet", p.DataKey())
	require.Equal(t, p.RawPrefix()+"meta.json", p.MetaKey())
	require.Equal(t, p.RawPrefix()+"quality_day.json", p.QualityKey())
	require.Equal(t, "compacted/locks/binance/bbo/btcusdt/20260814.lock", p.LockKey())
}

func TestParseLockKey(t *testing.T) {
	var p = Partition{Exchange: "binance", Stream: "trade", Symbol: "ethusdt", Date: "20260701"}

	parsed, ok := ParseLockKey(p.LockKey())
	require.True(t, ok)
	require.Equal(t, p, parsed)

	for _, bad := range []string{
		"compacted/locks/binance/trade/ethusdt.lock",     // missing date
		"compacted/locks/binance/trade/ethusdt/2026.lock", // malformed date
		"exchange=binance/stream=trade/symbol=ethusdt/date=20260701/data.parquet",
		"compacted/locks/binance/trade/ethusdt/20260701",
	} {
		_, ok := ParseLockKey(bad)
		require.False(t, ok, bad)
	}
}

func TestParsePartitionKey(t *testing.T) {
	p, ok := ParsePartitionKey("binance/bbo/adausdt/20260601")
	require.True(t, ok)
	require.Equal(t, Partition{"binance", "bbo", "adausdt", "20260601"}, p)

	_, ok = ParsePartitionKey("binance/bbo/adausdt")
	require.False(t, ok)
	_, ok = ParsePartitionKey("binance/bbo/adausdt/2026-06-01")
	require.False(t, ok)
}

func TestValidDate(t *testing.T) {
	require.True(t, ValidDate("20260814"))
	require.False(t, ValidDate("2026081"))
	require.False(t, ValidDate("202608145"))
	require.False(t, ValidDate("2026081x"))
}
