package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quantlab/compactor/go/store"
	log "github.com/sirupsen/logrus"
)

// Document-lock tuning. A waiter spins with bounded sleeps until
// docLockWait, breaking locks older than docLockTTL.
const (
	docLockWait  = 30 * time.Second
	docLockTTL   = 120 * time.Second
	docLockSleep = 250 * time.Millisecond
)

// docLock is the body of the journal's <state>.lock object.
type docLock struct {
	Token     string `json:"token"`
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

// acquireDocLock takes the journal document lock, returning a release
// function. Release deletes the lock object only if the stored token still
// matches ours.
func (j *Journal) acquireDocLock(ctx context.Context) (func(), error) {
	var lockKey = j.stateKey + ".lock"
	var body = docLock{
		Token:     uuid.NewString(),
		Hostname:  hostname(),
		PID:       os.Getpid(),
		StartedAt: j.now(),
	}

	var deadline = j.clock().Add(docLockWait)
	for {
		ok, err := store.PutJSONIfAbsent(ctx, j.compact, lockKey, body)
		if err != nil {
			return nil, fmt.Errorf("acquiring journal lock: %w", err)
		}
		if ok {
			return func() { j.releaseDocLock(ctx, lockKey, body.Token) }, nil
		}

		// Lock is held. Break it if the holder is past its TTL.
		var held docLock
		if err := store.GetJSON(ctx, j.compact, lockKey, &held); err == nil {
			if at, err := time.Parse(time.RFC3339, held.StartedAt); err != nil || j.clock().Sub(at) > docLockTTL {
				log.WithFields(log.Fields{
					"holder":     held.Hostname,
					"started_at": held.StartedAt,
				}).Warn("breaking expired journal lock")
				_ = j.compact.Remove(ctx, lockKey)
				continue
			}
		}

		if j.clock().After(deadline) {
			return nil, fmt.Errorf("journal lock not acquired within %s", docLockWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(docLockSleep):
		}
	}
}

func (j *Journal) releaseDocLock(ctx context.Context, lockKey, token string) {
	var held docLock
	if err := store.GetJSON(ctx, j.compact, lockKey, &held); err != nil {
		return
	}
	if held.Token != token {
		// Someone broke our lock; it's theirs now.
		return
	}
	if err := j.compact.Remove(ctx, lockKey); err != nil {
		log.WithField("error", err).Warn("releasing journal lock")
	}
}
