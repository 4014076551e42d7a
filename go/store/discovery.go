package store

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/quantlab/compactor/go/keys"
)

// DiscoverDates walks the raw store's four-level layout
// (exchange= / stream= / symbol= / date=) with delimiter listings and
// returns the sorted set of well-formed dates present.
func DiscoverDates(ctx context.Context, raw Bucket) ([]string, error) {
	var seen = make(map[string]struct{})

	var err = walkSymbolPrefixes(ctx, raw, func(symbolPrefix string) error {
		datePrefixes, err := raw.ListPrefixes(ctx, symbolPrefix+"date=")
		if err != nil {
			return err
		}
		for _, dp := range datePrefixes {
			if date := prefixValue(dp); keys.ValidDate(date) {
				seen[date] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var dates = make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// DiscoverPartitionsForDate returns every (exchange, stream, symbol) triple
// whose date=|date|/ prefix exists and is non-empty.
func DiscoverPartitionsForDate(ctx context.Context, raw Bucket, date string) ([]keys.Partition, error) {
	var partitions []keys.Partition

	var err = walkSymbolPrefixes(ctx, raw, func(symbolPrefix string) error {
		var p, ok = parseSymbolPrefix(symbolPrefix)
		if !ok {
			return nil
		}
		p.Date = date

		objects, err := raw.List(ctx, p.RawPrefix())
		if err != nil {
			return err
		}
		if len(objects) > 0 {
			partitions = append(partitions, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].String() < partitions[j].String()
	})
	return partitions, nil
}

// ListDataFiles lists the raw data files of a partition prefix, excluding
// sidecar objects (basenames starting "._") and anything that isn't parquet.
// Results are in lexicographic key order, which fixes file_idx.
func ListDataFiles(ctx context.Context, raw Bucket, prefix string) ([]ObjectInfo, error) {
	objects, err := raw.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var out []ObjectInfo
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".parquet") {
			continue
		}
		if strings.Contains(obj.Key, "/._") || strings.HasPrefix(path.Base(obj.Key), "._") {
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func walkSymbolPrefixes(ctx context.Context, raw Bucket, fn func(symbolPrefix string) error) error {
	exchanges, err := raw.ListPrefixes(ctx, "exchange=")
	if err != nil {
		return err
	}
	for _, ex := range exchanges {
		streams, err := raw.ListPrefixes(ctx, ex+"stream=")
		if err != nil {
			return err
		}
		for _, st := range streams {
			symbols, err := raw.ListPrefixes(ctx, st+"symbol=")
			if err != nil {
				return err
			}
			for _, sy := range symbols {
				if err := fn(sy); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// parseSymbolPrefix extracts the partition triple from a prefix like
// "exchange=X/stream=Y/symbol=Z/".
func parseSymbolPrefix(prefix string) (keys.Partition, bool) {
	var parts = strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	if len(parts) != 3 {
		return keys.Partition{}, false
	}
	var vals [3]string
	for i, want := range []string{"exchange=", "stream=", "symbol="} {
		if !strings.HasPrefix(parts[i], want) {
			return keys.Partition{}, false
		}
		vals[i] = strings.TrimPrefix(parts[i], want)
	}
	return keys.Partition{Exchange: vals[0], Stream: vals[1], Symbol: vals[2]}, true
}

func prefixValue(prefix string) string {
	var trimmed = strings.TrimSuffix(prefix, "/")
	var idx = strings.LastIndexByte(trimmed, '=')
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}
