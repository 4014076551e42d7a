package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
)

// Evaluator fetches window reports from the raw store and aggregates them
// into day verdicts. Verdicts are cached by date, so the N partitions of
// one day evaluate its windows only once.
type Evaluator struct {
	raw   store.Bucket
	cache *lru.Cache[string, *DayReport]
}

// NewEvaluator builds an Evaluator over the raw store.
func NewEvaluator(raw store.Bucket) *Evaluator {
	// 64 dates is far beyond any single run's planning horizon.
	var cache, err = lru.New[string, *DayReport](64)
	if err != nil {
		panic(err) // Unreachable: size is positive.
	}
	return &Evaluator{raw: raw, cache: cache}
}

// EvaluateDay classifies every window report of |date| and returns the
// aggregated day verdict. A window JSON that fails to parse is recorded in
// the report and skipped; evaluation continues.
func (e *Evaluator) EvaluateDay(ctx context.Context, date string) (*DayReport, error) {
	if report, ok := e.cache.Get(date); ok {
		return report, nil
	}

	objects, err := e.raw.List(ctx, keys.QualityWindowPrefix(date))
	if err != nil {
		return nil, fmt.Errorf("listing quality windows of %s: %w", date, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	var assessments []Assessment
	var parseFailures []string

	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := e.raw.Get(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("fetching window %q: %w", obj.Key, err)
		}

		var window Window
		if err := json.Unmarshal(data, &window); err != nil {
			log.WithFields(log.Fields{"key": obj.Key, "error": err}).
				Warn("skipping unparseable quality window")
			parseFailures = append(parseFailures, obj.Key)
			continue
		}
		assessments = append(assessments, AssessWindow(window))
	}

	var report = AggregateDay(assessments, parseFailures)
	log.WithFields(log.Fields{
		"date":    date,
		"verdict": report.DayQuality,
		"windows": report.Stats.TotalWindows,
		"bad":     report.Stats.Bad,
	}).Debug("evaluated day quality")

	e.cache.Add(date, report)
	return report, nil
}
