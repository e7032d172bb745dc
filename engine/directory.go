package engine

import (
	"fmt"
	"io"
	"net"
	"path"
)

// ChangeDirOperation implements the CWD sub-operation entered by the File
// Transfer Operation and exposed standalone (spec.md §4.10 "Directory /
// Mutation Operations").
type ChangeDirOperation struct {
	path string
	sent bool
}

func NewChangeDirOperation(p string) *ChangeDirOperation { return &ChangeDirOperation{path: p} }

func (op *ChangeDirOperation) Kind() Command { return CmdCwd }

func (op *ChangeDirOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	if err := s.Send("CWD " + op.path); err != nil {
		return Error | Disconnected
	}
	op.sent = true
	return Continue
}

func (op *ChangeDirOperation) ParseResponse(s *Session, reply *Reply) Result {
	if reply.Is2xx() {
		s.cwd = op.path
		return Ok
	}
	return Error
}

func (op *ChangeDirOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// newChangeDirOperation is the unexported alias used by the File Transfer
// Operation, which pushes CWD as an implementation detail rather than a
// user-facing operation.
func newChangeDirOperation(p string) *ChangeDirOperation { return NewChangeDirOperation(p) }

// ListOperation implements LIST/MLSD as a stack operation that pushes a
// Raw Transfer child to fetch the bytes, then parses them via the
// configured DirectoryListingParser and refreshes the directory cache
// (spec.md §4.6's "push a LIST sub-operation with refresh flag").
type ListOperation struct {
	path    string
	useMLSD bool
	pushed  bool

	raw     []byte
	entries []DirectoryEntry
	err     error
}

func NewListOperation(p string, useMLSD bool) *ListOperation {
	return &ListOperation{path: p, useMLSD: useMLSD}
}

func newListOperation(p string, useMLSD bool) *ListOperation { return NewListOperation(p, useMLSD) }

func (op *ListOperation) Kind() Command { return CmdList }

// Entries returns the parsed directory entries once the operation has
// completed Ok.
func (op *ListOperation) Entries() []DirectoryEntry { return op.entries }

// Err returns the failure reason when the operation completed with Error.
func (op *ListOperation) Err() error { return op.err }

func (op *ListOperation) Send(s *Session) Result {
	if op.pushed {
		return WouldBlock
	}
	op.pushed = true
	cmd := "LIST"
	if op.useMLSD {
		cmd = "MLSD"
	}
	s.Push(NewRawTransferOperation(RawTransferRequest{
		Binary:  true,
		Command: cmd,
		Data: func(conn net.Conn) error {
			data, err := io.ReadAll(conn)
			if err != nil {
				return err
			}
			op.raw = data
			return nil
		},
	}))
	return WouldBlock
}

func (op *ListOperation) ParseResponse(s *Session, reply *Reply) Result {
	return Error | InternalError
}

func (op *ListOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	rt, ok := child.(*RawTransferOperation)
	if !ok {
		return Error | InternalError
	}
	if !result.IsOk() {
		op.err = fmt.Errorf("engine: LIST failed: %s", rt.EndReason())
		return Error
	}
	if s.Listing == nil {
		op.err = fmt.Errorf("engine: no DirectoryListingParser configured")
		return Error
	}
	entries, perr := s.Listing.Parse(op.raw)
	if perr != nil {
		op.err = perr
		return Error
	}
	op.entries = entries
	if s.ListingCache != nil {
		for _, e := range entries {
			s.ListingCache.UpdateFile(s.Server.ID(), op.path, e)
		}
	}
	return Ok
}

// MkdOperation implements MKD.
type MkdOperation struct {
	path string
	sent bool
}

func NewMkdOperation(p string) *MkdOperation { return &MkdOperation{path: p} }
func (op *MkdOperation) Kind() Command       { return CmdMkd }
func (op *MkdOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	op.sent = true
	if err := s.Send("MKD " + op.path); err != nil {
		return Error | Disconnected
	}
	return Continue
}
func (op *MkdOperation) ParseResponse(s *Session, reply *Reply) Result {
	if reply.Is2xx() {
		s.invalidateMutation(path.Dir(op.path), path.Base(op.path))
		return Ok
	}
	return Error
}
func (op *MkdOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// RmdOperation implements RMD.
type RmdOperation struct {
	path string
	sent bool
}

func NewRmdOperation(p string) *RmdOperation { return &RmdOperation{path: p} }
func (op *RmdOperation) Kind() Command       { return CmdRmd }
func (op *RmdOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	op.sent = true
	if err := s.Send("RMD " + op.path); err != nil {
		return Error | Disconnected
	}
	return Continue
}
func (op *RmdOperation) ParseResponse(s *Session, reply *Reply) Result {
	if reply.Is2xx() {
		s.removeDirMutation(path.Dir(op.path), path.Base(op.path))
		return Ok
	}
	return Error
}
func (op *RmdOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// DelOperation implements DELE.
type DelOperation struct {
	path string
	sent bool
}

func NewDelOperation(p string) *DelOperation { return &DelOperation{path: p} }
func (op *DelOperation) Kind() Command       { return CmdDel }
func (op *DelOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	op.sent = true
	if err := s.Send("DELE " + op.path); err != nil {
		return Error | Disconnected
	}
	return Continue
}
func (op *DelOperation) ParseResponse(s *Session, reply *Reply) Result {
	if reply.Is2xx() {
		s.removeMutation(path.Dir(op.path), path.Base(op.path))
		return Ok
	}
	return Error
}
func (op *DelOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// RenameOperation implements RNFR/RNTO as a two-command sequence within
// one stack slot.
type RenameOperation struct {
	from, to string
	state    int // 0 = send RNFR, 1 = await RNFR, 2 = send RNTO, 3 = await RNTO
}

func NewRenameOperation(from, to string) *RenameOperation {
	return &RenameOperation{from: from, to: to}
}
func (op *RenameOperation) Kind() Command { return CmdRename }
func (op *RenameOperation) Send(s *Session) Result {
	switch op.state {
	case 0:
		if err := s.Send("RNFR " + op.from); err != nil {
			return Error | Disconnected
		}
		op.state = 1
		return Continue
	case 2:
		if err := s.Send("RNTO " + op.to); err != nil {
			return Error | Disconnected
		}
		op.state = 3
		return Continue
	default:
		return WouldBlock
	}
}
func (op *RenameOperation) ParseResponse(s *Session, reply *Reply) Result {
	switch op.state {
	case 1:
		if !reply.Is3xx() {
			return Error
		}
		op.state = 2
		return Continue
	case 3:
		if !reply.Is2xx() {
			return Error
		}
		s.renameMutation(path.Dir(op.from), path.Base(op.from), path.Dir(op.to), path.Base(op.to))
		return Ok
	default:
		return Error | InternalError
	}
}
func (op *RenameOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// ChmodOperation implements SITE CHMOD.
type ChmodOperation struct {
	path, mode string
	sent       bool
}

func NewChmodOperation(p, mode string) *ChmodOperation {
	return &ChmodOperation{path: p, mode: mode}
}
func (op *ChmodOperation) Kind() Command { return CmdChmod }
func (op *ChmodOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	op.sent = true
	if err := s.Send(fmt.Sprintf("SITE CHMOD %s %s", op.mode, op.path)); err != nil {
		return Error | Disconnected
	}
	return Continue
}
func (op *ChmodOperation) ParseResponse(s *Session, reply *Reply) Result {
	if reply.Is2xx() {
		s.invalidateMutation(path.Dir(op.path), path.Base(op.path))
		return Ok
	}
	return Error
}
func (op *ChmodOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// RawOperation implements raw command pass-through (Quote/SITE/etc.),
// invalidating the whole server's cache conservatively since the command
// is opaque to the engine (spec.md §4.12: "invalidate relevant entries
// ... inside RawCommand").
type RawOperation struct {
	line  string
	sent  bool
	Reply *Reply
}

func NewRawOperation(line string) *RawOperation { return &RawOperation{line: line} }
func (op *RawOperation) Kind() Command          { return CmdRaw }
func (op *RawOperation) Send(s *Session) Result {
	if op.sent {
		return WouldBlock
	}
	op.sent = true
	if err := s.Send(op.line); err != nil {
		return Error | Disconnected
	}
	return Continue
}
func (op *RawOperation) ParseResponse(s *Session, reply *Reply) Result {
	op.Reply = reply
	if s.ListingCache != nil {
		s.ListingCache.InvalidateServer(s.Server.ID())
	}
	if s.PathCache != nil {
		s.PathCache.InvalidateServer(s.Server.ID())
	}
	if reply.Is2xx() || reply.Is3xx() {
		return Ok
	}
	return Error
}
func (op *RawOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}
