package engine

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

// TransferEndReason is the canonical classification of why a data-channel
// transfer ended (spec.md glossary).
type TransferEndReason int

const (
	EndSuccessful TransferEndReason = iota
	EndFailure
	EndTimeout
	EndPreTransferCommandFailure
	EndFailedResumeTest
	EndTransferCommandFailureImmediate
	EndTransferFailureCritical
)

func (r TransferEndReason) String() string {
	switch r {
	case EndSuccessful:
		return "successful"
	case EndFailure:
		return "failure"
	case EndTimeout:
		return "timeout"
	case EndPreTransferCommandFailure:
		return "pre-transfer-command-failure"
	case EndFailedResumeTest:
		return "failed-resume-test"
	case EndTransferCommandFailureImmediate:
		return "transfer-command-failure-immediate"
	case EndTransferFailureCritical:
		return "transfer-failure-critical"
	default:
		return "unknown"
	}
}

// DataFunc drives the data channel once it's established: read the
// connection for a download/list/resume-test, or write it for an upload.
// Returning a non-nil error marks the data side as failed; the Raw
// Transfer Coordinator reconciles this against the control channel's
// final reply per spec.md §4.7.
type DataFunc func(conn net.Conn) error

// RawTransferRequest is the input the File Transfer Operation (or a
// directory/list operation) hands to the Transfer Coordinator.
type RawTransferRequest struct {
	Binary     bool
	Command    string // e.g. "RETR name.txt", "LIST", "MLSD"
	RestOffset int64
	Data       DataFunc
}

var (
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)
	epsvRegex = regexp.MustCompile(`\|\|\|(\d+)\|`)
)

type rtState int

const (
	rtType rtState = iota
	rtTypeWait
	rtPortPasv
	rtPasvWait
	rtPortWait
	rtRest
	rtRestWait
	rtTransfer
	rtWaitFinish
	rtDone
)

// RawTransferOperation implements spec.md §4.7, the Transfer Coordinator.
type RawTransferOperation struct {
	req RawTransferRequest

	state rtState

	triedPassive bool
	triedActive  bool

	listener net.Listener
	dataConn net.Conn

	dataResultCh chan error
	dataResult   *error // nil until the goroutine reports
	ctrlResult   *int   // reply code of the final control-channel reply

	transferCommandSent bool
	transferInitiated   bool
	endReason           TransferEndReason
}

func NewRawTransferOperation(req RawTransferRequest) *RawTransferOperation {
	return &RawTransferOperation{req: req, endReason: EndSuccessful}
}

func (op *RawTransferOperation) Kind() Command { return CmdRawTransfer }

func (op *RawTransferOperation) Send(s *Session) Result {
	for {
		switch op.state {
		case rtType:
			wanted := byte('I')
			if !op.req.Binary {
				wanted = 'A'
			}
			if s.transferType == wanted {
				op.state = rtPortPasv
				continue
			}
			cmd := "TYPE I"
			if !op.req.Binary {
				cmd = "TYPE A"
			}
			if err := s.Send(cmd); err != nil {
				return Error | Disconnected
			}
			op.state = rtTypeWait
			return Continue

		case rtPortPasv:
			return op.sendPortPasv(s)

		case rtRest:
			if op.req.RestOffset <= 0 {
				op.state = rtTransfer
				continue
			}
			if err := s.Send(fmt.Sprintf("REST %d", op.req.RestOffset)); err != nil {
				return Error | Disconnected
			}
			op.state = rtRestWait
			return Continue

		case rtTransfer:
			if err := s.Send(op.req.Command); err != nil {
				return Error | Disconnected
			}
			op.transferCommandSent = true
			op.state = rtWaitFinish
			return Continue

		default:
			return WouldBlock
		}
	}
}

// wantPassive decides the next data-connection mode to try, honoring the
// server's PassiveMode preference and avoiding infinite active/passive
// ping-pong (spec.md §4.7).
func (op *RawTransferOperation) wantPassive(s *Session) bool {
	pref := s.Server.PassiveMode
	wantPassiveFirst := pref != ActiveForced
	if wantPassiveFirst {
		return !op.triedPassive
	}
	return !op.triedActive && op.triedPassive
}

func (op *RawTransferOperation) sendPortPasv(s *Session) Result {
	wantPassive := op.wantPassive(s)
	if wantPassive {
		op.triedPassive = true
		cmd := "PASV"
		if tri, _ := s.Caps.Get(CapEPSV); tri != No || isIPv6Conn(s.sock) {
			cmd = "EPSV"
		}
		if err := s.Send(cmd); err != nil {
			return Error | Disconnected
		}
		op.state = rtPasvWait
		return Continue
	}

	op.triedActive = true
	ln, err := s.Listen("tcp", ":0")
	if err != nil {
		// Active setup failed locally; try the other mode if not tried.
		if !op.triedPassive {
			op.state = rtPortPasv
			return op.Send(s)
		}
		return Error
	}
	op.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	localIP := localAddrIP(s.sock)

	if localIP.To4() == nil {
		cmd := fmt.Sprintf("EPRT |2|%s|%d|", localIP.String(), port)
		if err := s.Send(cmd); err != nil {
			return Error | Disconnected
		}
	} else {
		ip := localIP.To4()
		cmd := fmt.Sprintf("PORT %d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff)
		if err := s.Send(cmd); err != nil {
			return Error | Disconnected
		}
	}
	op.state = rtPortWait
	return Continue
}

func isIPv6Conn(sock Socket) bool {
	if sock == nil {
		return false
	}
	ip := localAddrIP(sock)
	return ip != nil && ip.To4() == nil
}

func remoteAddrHost(sock Socket) string {
	if sock == nil {
		return ""
	}
	if tcp, ok := sock.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, _ := net.SplitHostPort(sock.RemoteAddr().String())
	return host
}

func localAddrIP(sock Socket) net.IP {
	if sock == nil {
		return net.IPv4zero
	}
	if tcp, ok := sock.LocalAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return net.IPv4zero
}

func (op *RawTransferOperation) ParseResponse(s *Session, reply *Reply) Result {
	switch op.state {
	case rtTypeWait:
		if reply.Is2xx() {
			if op.req.Binary {
				s.transferType = 'I'
			} else {
				s.transferType = 'A'
			}
			op.state = rtPortPasv
			return Continue
		}
		return op.abort(s, EndPreTransferCommandFailure, protoErr("TYPE", reply))

	case rtPasvWait:
		if reply.Is2xx() {
			host, port, perr := parsePassiveReply(reply.Text)
			if perr != nil {
				return op.abort(s, EndPreTransferCommandFailure, perr)
			}
			if host == "" {
				// EPSV only conveys the port; reuse the control channel's peer host.
				host = remoteAddrHost(s.sock)
			}
			conn, derr := s.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 30*time.Second)
			if derr != nil {
				if !op.triedActive {
					op.state = rtPortPasv
					return Continue
				}
				return op.abort(s, EndPreTransferCommandFailure, derr)
			}
			op.dataConn = conn
			op.state = rtRest
			return Continue
		}
		if !op.triedActive {
			op.state = rtPortPasv
			return Continue
		}
		return op.abort(s, EndPreTransferCommandFailure, protoErr("PASV/EPSV", reply))

	case rtPortWait:
		if reply.Is2xx() {
			op.state = rtRest
			return Continue
		}
		if op.listener != nil {
			op.listener.Close()
			op.listener = nil
		}
		if !op.triedPassive {
			op.state = rtPortPasv
			return Continue
		}
		return op.abort(s, EndPreTransferCommandFailure, protoErr("PORT/EPRT", reply))

	case rtRestWait:
		if reply.Is3xx() {
			op.state = rtTransfer
			return Continue
		}
		// REST not supported; proceed without it rather than failing the
		// whole transfer (resume just won't work this time).
		op.req.RestOffset = 0
		op.state = rtTransfer
		return Continue

	case rtWaitFinish:
		if reply.Is1xx() {
			op.transferInitiated = true
			op.beginDataChannel(s)
			return WouldBlock
		}
		code := reply.Code
		op.ctrlResult = &code
		return op.reconcile(s, reply)

	default:
		return Error | InternalError
	}
}

// beginDataChannel accepts the active-mode listener (if any), establishes
// the connection, and kicks off the caller-supplied DataFunc on the
// worker pool.
func (op *RawTransferOperation) beginDataChannel(s *Session) {
	op.dataResultCh = make(chan error, 1)
	conn := op.dataConn
	ln := op.listener
	fn := op.req.Data
	go func() {
		if ln != nil {
			c, err := ln.Accept()
			ln.Close()
			if err != nil {
				op.dataResultCh <- err
				return
			}
			conn = c
		}
		if conn == nil {
			op.dataResultCh <- fmt.Errorf("engine: no data connection established")
			return
		}
		defer conn.Close()
		op.dataResultCh <- fn(conn)
	}()
}

// DataDone is called by the Session's read loop (or a select statement in
// the embedder's event loop) once the data-channel goroutine reports.
// Embedders that don't run a select loop can instead call this
// synchronously after WaitData.
func (op *RawTransferOperation) WaitData() error {
	if op.dataResultCh == nil {
		return nil
	}
	err := <-op.dataResultCh
	op.dataResult = &err
	return err
}

// NotifyDataDone lets an async caller feed the data-channel result back
// into the operation once both sides (control + data) are known, driving
// the Ok/Error settle path. Use this from a goroutine selecting on the
// channel returned by resultChan.
func (op *RawTransferOperation) resultChan() <-chan error { return op.dataResultCh }

func (op *RawTransferOperation) reconcile(s *Session, reply *Reply) Result {
	if op.dataResult == nil {
		_ = op.WaitData()
	}
	ctrlOK := reply.Is2xx()
	dataOK := op.dataResult == nil || *op.dataResult == nil

	if ctrlOK && dataOK {
		op.endReason = EndSuccessful
		op.state = rtDone
		return Ok
	}

	reason := EndFailure
	switch {
	case !op.transferCommandSent:
		reason = EndPreTransferCommandFailure
	case reply.Class() == 5 && !op.transferInitiated:
		reason = EndTransferCommandFailureImmediate
	}
	op.endReason = reason
	op.state = rtDone

	res := Error
	if reason == EndTransferCommandFailureImmediate {
		res |= Critical
	}
	return res
}

func (op *RawTransferOperation) abort(s *Session, reason TransferEndReason, err error) Result {
	op.endReason = reason
	op.state = rtDone
	if op.listener != nil {
		op.listener.Close()
	}
	if op.dataConn != nil {
		op.dataConn.Close()
	}
	return Error
}

func (op *RawTransferOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	// Raw Transfer never pushes a sub-operation of its own.
	return Error | InternalError
}

func (op *RawTransferOperation) EndReason() TransferEndReason { return op.endReason }

func (op *RawTransferOperation) destroy() {
	if op.listener != nil {
		op.listener.Close()
	}
	if op.dataConn != nil {
		op.dataConn.Close()
	}
}

func protoErr(cmd string, reply *Reply) error {
	return fmt.Errorf("engine: %s failed: %d %s", cmd, reply.Code, reply.Text)
}

// parsePassiveReply parses either a PASV "(a,b,c,d,p1,p2)" sextet or an
// EPSV "(|||port|)" delimiter form from a reply's text.
func parsePassiveReply(text string) (host string, port int, err error) {
	if m := pasvRegex.FindStringSubmatch(text); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		c, _ := strconv.Atoi(m[3])
		d, _ := strconv.Atoi(m[4])
		p1, _ := strconv.Atoi(m[5])
		p2, _ := strconv.Atoi(m[6])
		return fmt.Sprintf("%d.%d.%d.%d", a, b, c, d), p1*256 + p2, nil
	}
	if m := epsvRegex.FindStringSubmatch(text); m != nil {
		p, _ := strconv.Atoi(m[1])
		return "", p, nil
	}
	return "", 0, fmt.Errorf("engine: unparseable PASV/EPSV reply: %q", text)
}
