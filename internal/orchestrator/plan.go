// Package orchestrator partitions an input set into shards, runs one worker per
// shard with bounded concurrency, and checkpoints every shard transition.
package orchestrator

import (
	"errors"
	"fmt"

	"github.com/joss/litbatch/internal/session"
)

// ErrInvalidArgument is returned for plan inputs that cannot be partitioned.
var ErrInvalidArgument = errors.New("invalid argument")

// Plan splits items 1..totalItems into at most workerCount contiguous shards.
// The first totalItems%workerCount shards get one extra item; empty shards are
// dropped, so fewer items than workers yields one single-item shard per item.
func Plan(totalItems, workerCount int) ([]session.Shard, error) {
	if totalItems < 1 {
		return nil, fmt.Errorf("%w: total items must be at least 1, got %d", ErrInvalidArgument, totalItems)
	}
	if workerCount < 1 {
		return nil, fmt.Errorf("%w: worker count must be at least 1, got %d", ErrInvalidArgument, workerCount)
	}

	base := totalItems / workerCount
	remainder := totalItems % workerCount

	shards := make([]session.Shard, 0, workerCount)
	cursor := 1
	for i := 0; i < workerCount; i++ {
		size := base
		if i < remainder {
			size++
		}
		if size == 0 {
			continue
		}
		shards = append(shards, session.Shard{
			ID:         len(shards) + 1,
			StartIndex: cursor,
			EndIndex:   cursor + size - 1,
			ItemCount:  size,
			Status:     session.ShardPending,
		})
		cursor += size
	}
	return shards, nil
}

// AssignItems copies each shard's slice of items into the shard. items must
// hold exactly as many entries as the plan covers.
func AssignItems(shards []session.Shard, items []string) error {
	covered := 0
	for _, sh := range shards {
		covered += sh.ItemCount
	}
	if covered != len(items) {
		return fmt.Errorf("%w: plan covers %d items, got %d", ErrInvalidArgument, covered, len(items))
	}
	for i := range shards {
		sh := &shards[i]
		sh.Items = append([]string(nil), items[sh.StartIndex-1:sh.EndIndex]...)
	}
	return nil
}
