package backup

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/nexusback/core"
)

// buildRecoverySegments parses one replica payload as a certified entry
// sequence and splits it into per-partition sub-segments. Entries whose
// key hash falls outside every tablet, or which predate their tablet's
// creation-time log position, are dropped. Framing inconsistencies fail
// the whole build.
func buildRecoverySegments(payload []byte, certificate core.Certificate, segmentID core.SegmentID,
	partitions core.Partitions, logger *slog.Logger) ([]RecoverySegment, error) {
	it, err := core.NewSegmentIterator(payload, certificate)
	if err != nil {
		return nil, err
	}
	if it.Done() || it.Type() != core.EntryTypeSegmentHeader {
		return nil, fmt.Errorf("segment does not begin with a segment header")
	}
	header, err := core.DecodeSegmentHeader(it.Payload())
	if err != nil {
		return nil, err
	}

	outputs := make([]core.SegmentBuffer, partitions.NumPartitions())
	for !it.Done() {
		switch it.Type() {
		case core.EntryTypeSegmentHeader, core.EntryTypeLogDigest:
			// Metadata entries are never part of a partition's data.
		case core.EntryTypeObject, core.EntryTypeTombstone:
			object, derr := core.DecodeObject(it.Payload())
			if derr != nil {
				return nil, derr
			}
			keyHash := core.KeyHash(object.TableID, object.Key)
			tablet := partitions.WhichPartition(object.TableID, keyHash)
			if tablet == nil {
				logger.Debug("Couldn't place object in any partition; dropping it",
					"table_id", object.TableID, "key_hash", keyHash)
				break
			}
			position := core.Position{SegmentID: segmentID, Offset: it.Offset()}
			if !core.IsEntryAlive(position, tablet, header) {
				logger.Debug("Skipping object before its tablet's creation time",
					"table_id", object.TableID, "partition", tablet.PartitionID)
				break
			}
			outputs[tablet.PartitionID].Append(it.Type(), it.Payload())
		}
		if err := it.Next(); err != nil {
			return nil, err
		}
	}

	segments := make([]RecoverySegment, len(outputs))
	for i := range outputs {
		segments[i] = RecoverySegment{
			Data:        outputs[i].Bytes(),
			Certificate: outputs[i].Certificate(),
		}
	}
	return segments, nil
}

// RecoverySegmentBuilder filters a batch of recovering replicas into
// per-partition sub-segments. It runs on a worker goroutine; the gauge
// counts builders currently running across the process.
type RecoverySegmentBuilder struct {
	replicas   []*Replica
	partitions core.Partitions
	gauge      *atomic.Int32
	logger     *slog.Logger
}

// NewRecoverySegmentBuilder creates a builder over the given replicas.
func NewRecoverySegmentBuilder(replicas []*Replica, partitions core.Partitions,
	gauge *atomic.Int32, logger *slog.Logger) *RecoverySegmentBuilder {
	return &RecoverySegmentBuilder{
		replicas:   replicas,
		partitions: partitions,
		gauge:      gauge,
		logger:     logger.With("component", "RecoverySegmentBuilder"),
	}
}

// Run builds every replica in turn. A failed build marks only that
// replica; the rest of the batch still proceeds.
func (b *RecoverySegmentBuilder) Run() {
	b.gauge.Add(1)
	defer b.gauge.Add(-1)
	for _, replica := range b.replicas {
		if err := replica.BuildRecoverySegments(b.partitions); err != nil {
			b.logger.Warn("Recovery segment build failed",
				"replica", replica.Key().String(), "error", err)
			continue
		}
		b.logger.Info("Built recovery segments",
			"replica", replica.Key().String(), "partitions", b.partitions.NumPartitions())
	}
}
