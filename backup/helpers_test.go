package backup

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusback/config"
	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/storage"
)

const testSegmentSize = 4096

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBackupConfig(frames int, gc bool) config.BackupConfig {
	return config.BackupConfig{
		NumSegmentFrames:    frames,
		SegmentSizeBytes:    testSegmentSize,
		InMemory:            true,
		ClusterName:         config.UnnamedCluster,
		GC:                  gc,
		MaxRecoveryBuilders: 2,
	}
}

// newTestService builds a service over in-memory storage.
func newTestService(t *testing.T, frames int, gc bool, prober MasterProber) *Service {
	t.Helper()
	cfg := testBackupConfig(frames, gc)
	return NewService(Options{
		Config:  cfg,
		Storage: storage.NewInMemoryStorage(cfg.SegmentSizeBytes, cfg.NumSegmentFrames),
		Prober:  prober,
		Logger:  testLogger(),
	})
}

// testSegment accumulates properly framed entries the way a master would.
type testSegment struct {
	buf core.SegmentBuffer
}

func (s *testSegment) appendHeader(master core.ServerID, segment core.SegmentID) {
	s.buf.Append(core.EntryTypeSegmentHeader, core.EncodeSegmentHeader(core.SegmentHeader{
		LogID:         uint64(master),
		SegmentID:     segment,
		Capacity:      testSegmentSize,
		CleanerHeadID: core.InvalidSegmentID,
	}))
}

func (s *testSegment) appendObject(tableID uint64, key, value string) {
	s.buf.Append(core.EntryTypeObject, core.EncodeObject(core.Object{
		TableID: tableID,
		Key:     []byte(key),
		Value:   []byte(value),
	}))
}

func (s *testSegment) appendTombstone(tableID uint64, key string) {
	s.buf.Append(core.EntryTypeTombstone, core.EncodeObject(core.Object{
		TableID: tableID,
		Key:     []byte(key),
	}))
}

func (s *testSegment) appendDigest(ids ...core.SegmentID) {
	s.buf.Append(core.EntryTypeLogDigest, core.EncodeLogDigest(core.LogDigest(ids)))
}

func (s *testSegment) certificate() core.Certificate {
	return s.buf.Certificate()
}

func openSegment(t *testing.T, s *Service, master core.ServerID, segment core.SegmentID, primary bool) []core.ServerID {
	t.Helper()
	flags := FlagOpen
	if primary {
		flags |= FlagPrimary
	}
	group, err := s.WriteSegment(context.Background(), master, segment, 0, nil, nil, flags)
	require.NoError(t, err)
	return group
}

func closeSegment(t *testing.T, s *Service, master core.ServerID, segment core.SegmentID) {
	t.Helper()
	_, err := s.WriteSegment(context.Background(), master, segment, 0, nil, nil, FlagClose)
	require.NoError(t, err)
}

// writeEntries replicates the segment's framed bytes plus certificate.
func writeEntries(t *testing.T, s *Service, master core.ServerID, segment core.SegmentID, seg *testSegment) {
	t.Helper()
	certificate := seg.certificate()
	_, err := s.WriteSegment(context.Background(), master, segment, 0, seg.buf.Bytes(), &certificate, FlagNone)
	require.NoError(t, err)
}

// createTabletList builds the standard two-partition test partitioning:
// partition 0 holds table 123's keys "9", "10" and "29" plus table 124's
// key "20"; partition 1 holds table 123's key "30" and all of table 125.
func createTabletList() core.Partitions {
	point := func(partition, tableID uint64, key string) core.Tablet {
		h := core.KeyHash(tableID, []byte(key))
		return core.Tablet{TableID: tableID, StartKeyHash: h, EndKeyHash: h, PartitionID: partition}
	}
	return core.Partitions{
		point(0, 123, "9"),
		point(0, 123, "10"),
		point(0, 123, "29"),
		point(0, 124, "20"),
		point(1, 123, "30"),
		{TableID: 125, StartKeyHash: 0, EndKeyHash: ^uint64(0), PartitionID: 1},
	}
}

// fakeProber answers IsReplicaNeeded probes synchronously from a policy
// function, recording every probe.
type fakeProber struct {
	mu     sync.Mutex
	needed func(core.SegmentID) bool
	probes []core.SegmentID
}

func (p *fakeProber) ProbeReplicaNeeded(master core.ServerID, segment core.SegmentID) <-chan ProbeResult {
	p.mu.Lock()
	p.probes = append(p.probes, segment)
	p.mu.Unlock()
	result := make(chan ProbeResult, 1)
	result <- ProbeResult{Needed: p.needed(segment)}
	return result
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probes)
}
