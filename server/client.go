package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/INLOpen/nexusback/backup"
	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/protocol"
)

// BackupClient is the caller side of the backup protocol. Masters use it
// to replicate segments; the recovery coordinator uses it to drive
// recoveries. Requests on one client are serialized, which matches the
// per-replica ordering the service guarantees.
type BackupClient struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// DialBackup connects to a backup server.
func DialBackup(addr string) (*BackupClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backup %s: %w", addr, err)
	}
	return &BackupClient{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close shuts the connection down.
func (c *BackupClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call sends one request frame and decodes the matching response into out.
func (c *BackupClient) call(cmdType protocol.CommandType, req protocol.IPacket, out protocol.IPacket) error {
	payload, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.WriteFrame(c.conn, cmdType, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmdType, err)
	}
	respType, respPayload, err := protocol.ReadFrame(c.reader)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", cmdType, err)
	}
	if respType == protocol.CmdError {
		errResp := &protocol.ErrorResponse{}
		if err := errResp.UnmarshalBinary(respPayload); err != nil {
			return err
		}
		return errResp.Status.AsError(errResp.Message)
	}
	if out == nil {
		return nil
	}
	return out.UnmarshalBinary(respPayload)
}

// WriteSegment replicates bytes of a master's segment to the backup.
func (c *BackupClient) WriteSegment(master core.ServerID, segment core.SegmentID, offset uint32,
	data []byte, certificate *core.Certificate, flags backup.WriteFlags) ([]core.ServerID, error) {
	req := &protocol.WriteSegmentRequest{
		Master:  uint64(master),
		Segment: uint64(segment),
		Offset:  offset,
		Flags:   byte(flags),
		Data:    data,
	}
	if certificate != nil {
		req.HasCertificate = true
		req.Certificate = *certificate
	}
	resp := &protocol.WriteSegmentResponse{}
	if err := c.call(protocol.CmdWriteSegment, req, resp); err != nil {
		return nil, err
	}
	group := make([]core.ServerID, 0, len(resp.Group))
	for _, id := range resp.Group {
		group = append(group, core.ServerID(id))
	}
	return group, nil
}

// FreeSegment releases the backup's replica of a segment.
func (c *BackupClient) FreeSegment(master core.ServerID, segment core.SegmentID) error {
	req := &protocol.FreeSegmentRequest{Master: uint64(master), Segment: uint64(segment)}
	return c.call(protocol.CmdFreeSegment, req, &protocol.EmptyResponse{})
}

// StartReadingData flips the master's replicas into recovery and returns
// the segment listing plus any log digest.
func (c *BackupClient) StartReadingData(master core.ServerID, partitions core.Partitions) (*protocol.StartReadingDataResponse, error) {
	req := &protocol.StartReadingDataRequest{
		Master:     uint64(master),
		Partitions: partitions,
	}
	resp := &protocol.StartReadingDataResponse{}
	if err := c.call(protocol.CmdStartReadingData, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRecoveryData fetches one partition's filtered sub-segment.
func (c *BackupClient) GetRecoveryData(master core.ServerID, segment core.SegmentID,
	partition uint64) ([]byte, core.Certificate, error) {
	req := &protocol.GetRecoveryDataRequest{
		Master:    uint64(master),
		Segment:   uint64(segment),
		Partition: partition,
	}
	resp := &protocol.GetRecoveryDataResponse{}
	if err := c.call(protocol.CmdGetRecoveryData, req, resp); err != nil {
		return nil, core.Certificate{}, err
	}
	return resp.Data, resp.Certificate, nil
}

// AssignGroup replaces the backup's replication group.
func (c *BackupClient) AssignGroup(groupID uint64, ids []core.ServerID) error {
	req := &protocol.AssignGroupRequest{GroupID: groupID}
	for _, id := range ids {
		req.IDs = append(req.IDs, uint64(id))
	}
	return c.call(protocol.CmdAssignGroup, req, &protocol.EmptyResponse{})
}

// AddressResolver maps a server id onto a dialable address. Cluster
// membership is owned elsewhere; the prober only needs this lookup.
type AddressResolver func(id core.ServerID) (string, bool)

// MasterProber asks masters whether replicas found on storage are still
// needed. Each probe dials, asks, and delivers the answer on a channel so
// the GC task can keep exactly one probe outstanding without blocking the
// task queue.
type MasterProber struct {
	backupID core.ServerID
	resolve  AddressResolver
	logger   *slog.Logger
}

var _ backup.MasterProber = (*MasterProber)(nil)

// NewMasterProber creates a prober identifying itself as backupID.
func NewMasterProber(backupID core.ServerID, resolve AddressResolver, logger *slog.Logger) *MasterProber {
	return &MasterProber{
		backupID: backupID,
		resolve:  resolve,
		logger:   logger.With("component", "MasterProber"),
	}
}

// ProbeReplicaNeeded asks the master asynchronously.
func (p *MasterProber) ProbeReplicaNeeded(master core.ServerID, segment core.SegmentID) <-chan backup.ProbeResult {
	result := make(chan backup.ProbeResult, 1)
	go func() {
		addr, ok := p.resolve(master)
		if !ok {
			result <- backup.ProbeResult{Err: fmt.Errorf("no address known for server %s", master)}
			return
		}
		needed, err := p.probe(addr, segment)
		result <- backup.ProbeResult{Needed: needed, Err: err}
	}()
	return result
}

func (p *MasterProber) probe(addr string, segment core.SegmentID) (bool, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return false, fmt.Errorf("failed to dial master %s: %w", addr, err)
	}
	defer conn.Close()

	req := &protocol.IsReplicaNeededRequest{Backup: uint64(p.backupID), Segment: uint64(segment)}
	payload, err := req.MarshalBinary()
	if err != nil {
		return false, err
	}
	if err := protocol.WriteFrame(conn, protocol.CmdIsReplicaNeeded, payload); err != nil {
		return false, err
	}
	respType, respPayload, err := protocol.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return false, err
	}
	if respType == protocol.CmdError {
		errResp := &protocol.ErrorResponse{}
		if err := errResp.UnmarshalBinary(respPayload); err != nil {
			return false, err
		}
		return false, errResp.Status.AsError(errResp.Message)
	}
	resp := &protocol.IsReplicaNeededResponse{}
	if err := resp.UnmarshalBinary(respPayload); err != nil {
		return false, err
	}
	return resp.Needed, nil
}
