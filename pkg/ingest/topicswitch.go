package ingest

import (
	"context"
	"fmt"

	"github.com/streamstore/aaingest/pkg/aaerr"
	"github.com/streamstore/aaingest/pkg/collab"
	"github.com/streamstore/aaingest/pkg/config"
	"github.com/streamstore/aaingest/pkg/partition"
	"github.com/streamstore/aaingest/pkg/repair"
)

// ExecuteTopicSwitch moves a partition onto a new source topic: it
// persists the control message, drains the partition's outstanding
// produces if it is currently leader, resolves a start offset per source
// region (preferring a checkpointed offset, else rewinding by timestamp
// per the buffer replay policy), registers unreachable regions with the
// repair service, and aborts entirely — subscribing to nothing — if too
// many regions were unreachable to form a quorum.
func ExecuteTopicSwitch(
	ctx context.Context,
	state *partition.State,
	broker collab.BrokerClient,
	repairSvc *repair.Service,
	repairHandle *repair.Handle,
	queue *ProduceQueue,
	partitionID int32,
	isLeader bool,
	ts *partition.TopicSwitch,
	eopTS, sopTS int64,
	cfg config.Config,
) error {
	state.ApplyTopicSwitch(ts)

	if isLeader {
		snap := state.Snapshot()
		if snap.SourceTopic != "" {
			if err := broker.Unsubscribe(snap.SourceTopic, partitionID); err != nil {
				return fmt.Errorf("ingest: unsubscribe prior topic: %w", err)
			}
		}
		if queue != nil {
			if err := queue.Drain(ctx); err != nil {
				return fmt.Errorf("ingest: drain pending produces before topic switch: %w", err)
			}
		}
	}

	type resolved struct {
		region string
		offset int64
	}
	var offsets []resolved
	var unreachable int

	for _, region := range ts.SourceBrokers {
		offset := state.LeaderOffset(region)
		if offset < 0 {
			rewindStart := ts.RewindStartTimestamp
			if rewindStart == partition.RewindDecidedByServer {
				rewindStart = computeRewindStart(eopTS, sopTS, cfg)
			}
			got, err := broker.OffsetsForTimes(ctx, ts.SourceTopic, partitionID, rewindStart)
			if err != nil {
				unreachable++
				if repairSvc != nil && repairHandle != nil {
					repairSvc.Enqueue(repairHandle, ts.SourceTopic, partitionID, region, rewindStart)
				}
				continue
			}
			offset = got
		}
		offsets = append(offsets, resolved{region: region, offset: offset})
	}

	if unreachable >= quorumThreshold(len(ts.SourceBrokers)) {
		return fmt.Errorf("%w: %d/%d source regions unreachable", aaerr.ErrUnreachableQuorum, unreachable, len(ts.SourceBrokers))
	}

	for _, r := range offsets {
		if err := broker.Subscribe(ts.SourceTopic, partitionID, r.offset); err != nil {
			return fmt.Errorf("ingest: subscribe region %s: %w", r.region, err)
		}
		state.UpdateLatestProcessedUpstreamRTOffset(r.region, r.offset)
	}
	state.SetSourceTopic(ts.SourceTopic)
	return nil
}

// quorumThreshold is the unreachable-region count at which a topic switch
// must abort: ceil((R+1)/2), computed without floating point as (R+2)/2
// via integer division.
func quorumThreshold(regionCount int) int {
	return (regionCount + 2) / 2
}

// computeRewindStart derives the rewind timestamp when the control message
// left it to the server: the end-of-push (or start-of-push, per the buffer
// replay policy) timestamp minus the configured rewind window.
func computeRewindStart(eopTS, sopTS int64, cfg config.Config) int64 {
	base := eopTS
	if cfg.BufferReplayPolicy == config.ReplayFromStartOfPush {
		base = sopTS
	}
	return base - cfg.RewindDuration().Milliseconds()
}
