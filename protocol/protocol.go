package protocol

import (
	"fmt"

	"github.com/INLOpen/nexusback/core"
)

// CommandType identifies a request frame.
type CommandType byte

const (
	CmdWriteSegment     CommandType = 0x01
	CmdFreeSegment      CommandType = 0x02
	CmdStartReadingData CommandType = 0x03
	CmdGetRecoveryData  CommandType = 0x04
	CmdAssignGroup      CommandType = 0x05
	// CmdIsReplicaNeeded is served by masters; backups send it when
	// deciding whether replicas found on storage can be reclaimed.
	CmdIsReplicaNeeded CommandType = 0x06

	// CmdResponse marks a success response frame; CmdError an error one.
	CmdResponse CommandType = 0x80
	CmdError    CommandType = 0xFF
)

func (c CommandType) String() string {
	switch c {
	case CmdWriteSegment:
		return "WriteSegment"
	case CmdFreeSegment:
		return "FreeSegment"
	case CmdStartReadingData:
		return "StartReadingData"
	case CmdGetRecoveryData:
		return "GetRecoveryData"
	case CmdAssignGroup:
		return "AssignGroup"
	case CmdIsReplicaNeeded:
		return "IsReplicaNeeded"
	case CmdResponse:
		return "Response"
	case CmdError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%#x)", byte(c))
	}
}

// Status encodes the error taxonomy on the wire.
type Status byte

const (
	StatusOK Status = iota
	StatusBadSegmentID
	StatusOpenRejected
	StatusSegmentOverflow
	StatusRecoveryFailed
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadSegmentID:
		return "bad segment id"
	case StatusOpenRejected:
		return "open rejected"
	case StatusSegmentOverflow:
		return "segment overflow"
	case StatusRecoveryFailed:
		return "segment recovery failed"
	case StatusInternal:
		return "internal error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// StatusFromError maps a service error onto its wire status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case core.IsBadSegmentID(err):
		return StatusBadSegmentID
	case core.IsOpenRejected(err):
		return StatusOpenRejected
	case core.IsSegmentOverflow(err):
		return StatusSegmentOverflow
	case core.IsSegmentRecoveryFailed(err):
		return StatusRecoveryFailed
	default:
		return StatusInternal
	}
}

// AsError reconstructs a client-side error from a status and message, so
// callers can keep using the core error predicates across the wire.
func (s Status) AsError(message string) error {
	switch s {
	case StatusOK:
		return nil
	case StatusBadSegmentID:
		return &core.BadSegmentIDError{Master: core.InvalidServerID, Reason: message}
	case StatusOpenRejected:
		return &core.OpenRejectedError{Reason: message}
	case StatusSegmentOverflow:
		return &core.SegmentOverflowError{}
	case StatusRecoveryFailed:
		return &core.SegmentRecoveryFailedError{Master: core.InvalidServerID,
			Cause: fmt.Errorf("%s", message)}
	default:
		return fmt.Errorf("backup rpc failed: %s", message)
	}
}
