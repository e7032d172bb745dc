package ftp

import (
	"fmt"
	"time"

	"github.com/maurelian-labs/goftp/engine"
)

// rootOp is a permanent fixture at the bottom of the session's operation
// stack. The dispatcher only ever reports a finished operation's result to
// its parent via SubcommandResult (popAndResume does nothing observable
// when the stack empties with no parent); rootOp is that parent, turning
// the asynchronous callback into a result this package's blocking Client
// methods can read back once the read loop returns control. It never
// completes itself, so it is never popped.
type rootOp struct {
	done   bool
	result engine.Result
}

func (r *rootOp) Kind() engine.Command { return engine.CmdNone }

func (r *rootOp) Send(s *engine.Session) engine.Result { return engine.WouldBlock }

func (r *rootOp) ParseResponse(s *engine.Session, reply *engine.Reply) engine.Result {
	return engine.WouldBlock
}

func (r *rootOp) SubcommandResult(s *engine.Session, result engine.Result, child engine.Operation) engine.Result {
	r.done = true
	r.result = result
	return engine.WouldBlock
}

func (r *rootOp) reset() {
	r.done = false
	r.result = 0
}

// pump reads the control connection and feeds it to the session until
// rootOp reports a completed command, or the read fails/EOFs. Every
// blocking Client method funnels through here instead of talking to the
// socket directly, matching the teacher's original readResponse loop but
// driven by the engine's dispatcher rather than hand-rolled line parsing.
//
// The connection is re-fetched from the session on every iteration
// rather than read once from c.conn: an AUTH TLS exchange replaces the
// session's socket with the wrapped stream in the middle of a pump loop
// (Feed -> dispatch -> UpgradeTLS), and reading the stale plaintext
// conn afterward would desync from the encrypted wire.
func (c *Client) pump() error {
	buf := make([]byte, 4096)
	for !c.root.done {
		conn := c.session.RawConn()
		if conn == nil {
			return fmt.Errorf("ftp: no connection")
		}
		if c.timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
				return err
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := c.session.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			_ = c.session.Feed(nil)
			return err
		}
	}
	c.conn = c.session.RawConn()
	return nil
}

// drive pushes op above rootOp and blocks until it completes, returning
// its terminal Result.
func (c *Client) drive(op engine.Operation) (engine.Result, error) {
	c.root.reset()
	c.session.Push(op)
	if err := c.pump(); err != nil {
		return 0, err
	}
	return c.root.result, nil
}

// driveLogon attaches sock to the session (pushing the Logon Operation
// internally) and blocks until it completes.
func (c *Client) driveLogon() (engine.Result, error) {
	c.root.reset()
	c.session.Attach(c.conn)
	if err := c.pump(); err != nil {
		return 0, err
	}
	return c.root.result, nil
}

// resultError renders a non-Ok engine.Result as the package's
// ProtocolError, for callers that don't need the raw Result.
func resultError(command string, result engine.Result) error {
	if result.IsOk() || result.IsCanceled() {
		return nil
	}
	return &ProtocolError{
		Command:  command,
		Response: result.String(),
		Code:     0,
	}
}

// driveRaw pushes a RawOperation for line and returns its Reply (or an
// error describing why it failed).
func (c *Client) driveRaw(line string) (*engine.Reply, error) {
	op := engine.NewRawOperation(line)
	result, err := c.drive(op)
	if err != nil {
		return nil, err
	}
	if !result.IsOk() {
		if op.Reply != nil {
			return op.Reply, &ProtocolError{Command: line, Response: op.Reply.Text, Code: op.Reply.Code}
		}
		return nil, fmt.Errorf("ftp: %s failed: %s", line, result)
	}
	return op.Reply, nil
}
