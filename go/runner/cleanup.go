package runner

import (
	"context"
	"fmt"

	"github.com/quantlab/compactor/go/keys"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
)

// Cleanup erases compact artifacts and journal entries for every date in
// [from, to]. Without apply it only reports what would be removed.
func (r *Runner) Cleanup(ctx context.Context, from, to string, apply bool) error {
	if !keys.ValidDate(from) || !keys.ValidDate(to) || from > to {
		return fmt.Errorf("invalid cleanup range %q..%q", from, to)
	}

	dates, err := store.DiscoverDates(ctx, r.Compact)
	if err != nil {
		return fmt.Errorf("discovering compact dates: %w", err)
	}

	var removed int
	for _, date := range dates {
		if date < from || date > to {
			continue
		}
		partitions, err := store.DiscoverPartitionsForDate(ctx, r.Compact, date)
		if err != nil {
			return err
		}
		for _, p := range partitions {
			if !r.Filters.Match(p) {
				continue
			}
			removed++
			if !apply {
				log.WithField("partition", p.String()).Info("would erase compact output")
				continue
			}
			for _, k := range []string{p.DataKey(), p.MetaKey(), p.QualityKey()} {
				if err := r.Compact.Remove(ctx, k); err != nil {
					return fmt.Errorf("removing %s: %w", k, err)
				}
				if err := r.Compact.Remove(ctx, k+".tmp"); err != nil {
					return fmt.Errorf("removing %s.tmp: %w", k, err)
				}
			}
			if err := r.Journal.DeletePartition(ctx, p); err != nil {
				return err
			}
			log.WithField("partition", p.String()).Info("erased compact output")
		}
	}

	if !apply {
		log.WithField("partitions", removed).Warn("cleanup dry run; pass --apply to erase")
	} else {
		log.WithField("partitions", removed).Info("cleanup done")
	}
	return nil
}

// Wipe deletes every object in the compact store, artifacts and
// coordination keys alike. Without apply it only counts.
func (r *Runner) Wipe(ctx context.Context, apply bool) error {
	objects, err := r.Compact.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing compact store: %w", err)
	}
	if !apply {
		log.WithField("objects", len(objects)).Warn("wipe dry run; pass --apply to delete")
		return nil
	}
	for _, obj := range objects {
		if err := r.Compact.Remove(ctx, obj.Key); err != nil {
			return fmt.Errorf("removing %s: %w", obj.Key, err)
		}
	}
	log.WithField("objects", len(objects)).Info("wiped compact store")
	return nil
}
