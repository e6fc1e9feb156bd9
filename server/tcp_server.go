package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/INLOpen/nexusback/backup"
	"github.com/INLOpen/nexusback/core"
	"github.com/INLOpen/nexusback/protocol"
)

// TCPServer exposes the backup service verbs over the framed binary
// protocol. One goroutine per connection; requests on a connection are
// served in order.
type TCPServer struct {
	service *backup.Service
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewTCPServer creates a server for the given backup service.
func NewTCPServer(service *backup.Service, logger *slog.Logger) *TCPServer {
	return &TCPServer{
		service: service,
		logger:  logger.With("component", "TCPServer"),
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start accepts connections on the listener until Stop is called.
func (s *TCPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.logger.Info("Backup server listening", "address", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener and all active connections and waits for the
// handlers to drain.
func (s *TCPServer) Stop() {
	close(s.quit)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("Backup server stopped")
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	reader := bufio.NewReader(conn)
	for {
		cmdType, payload, err := protocol.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read failed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}
		response, err := s.dispatch(context.Background(), cmdType, payload)
		if err != nil {
			if werr := s.writeError(conn, err); werr != nil {
				return
			}
			continue
		}
		encoded, err := response.MarshalBinary()
		if err != nil {
			s.logger.Error("Failed to marshal response", "command", cmdType.String(), "error", err)
			if werr := s.writeError(conn, err); werr != nil {
				return
			}
			continue
		}
		if err := protocol.WriteFrame(conn, protocol.CmdResponse, encoded); err != nil {
			return
		}
	}
}

func (s *TCPServer) writeError(conn net.Conn, err error) error {
	resp := &protocol.ErrorResponse{
		Status:  protocol.StatusFromError(err),
		Message: err.Error(),
	}
	encoded, merr := resp.MarshalBinary()
	if merr != nil {
		return merr
	}
	return protocol.WriteFrame(conn, protocol.CmdError, encoded)
}

func (s *TCPServer) dispatch(ctx context.Context, cmdType protocol.CommandType, payload []byte) (protocol.IPacket, error) {
	switch cmdType {
	case protocol.CmdWriteSegment:
		req := &protocol.WriteSegmentRequest{}
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		var certificate *core.Certificate
		if req.HasCertificate {
			certificate = &req.Certificate
		}
		group, err := s.service.WriteSegment(ctx, core.ServerID(req.Master), core.SegmentID(req.Segment),
			req.Offset, req.Data, certificate, backup.WriteFlags(req.Flags))
		if err != nil {
			return nil, err
		}
		resp := &protocol.WriteSegmentResponse{}
		for _, id := range group {
			resp.Group = append(resp.Group, uint64(id))
		}
		return resp, nil

	case protocol.CmdFreeSegment:
		req := &protocol.FreeSegmentRequest{}
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		if err := s.service.FreeSegment(ctx, core.ServerID(req.Master), core.SegmentID(req.Segment)); err != nil {
			return nil, err
		}
		return &protocol.EmptyResponse{}, nil

	case protocol.CmdStartReadingData:
		req := &protocol.StartReadingDataRequest{}
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		result, err := s.service.StartReadingData(ctx, core.ServerID(req.Master), core.Partitions(req.Partitions))
		if err != nil {
			return nil, err
		}
		resp := &protocol.StartReadingDataResponse{
			Digest:           result.LogDigest,
			DigestSegmentID:  uint64(result.LogDigestSegmentID),
			DigestSegmentLen: result.LogDigestSegmentLen,
		}
		for _, segment := range result.Segments {
			resp.Segments = append(resp.Segments, protocol.SegmentEntry{
				ID:     uint64(segment.ID),
				Length: segment.Length,
			})
		}
		return resp, nil

	case protocol.CmdGetRecoveryData:
		req := &protocol.GetRecoveryDataRequest{}
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		data, certificate, err := s.service.GetRecoveryData(ctx, core.ServerID(req.Master),
			core.SegmentID(req.Segment), req.Partition)
		if err != nil {
			return nil, err
		}
		return &protocol.GetRecoveryDataResponse{Certificate: certificate, Data: data}, nil

	case protocol.CmdAssignGroup:
		req := &protocol.AssignGroupRequest{}
		if err := req.UnmarshalBinary(payload); err != nil {
			return nil, err
		}
		ids := make([]core.ServerID, 0, len(req.IDs))
		for _, id := range req.IDs {
			ids = append(ids, core.ServerID(id))
		}
		if err := s.service.AssignGroup(ctx, req.GroupID, ids); err != nil {
			return nil, err
		}
		return &protocol.EmptyResponse{}, nil

	default:
		return nil, fmt.Errorf("unknown command %s", cmdType)
	}
}
