package engine

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Protocol selects how (and whether) TLS is negotiated for the control
// channel (spec.md §6 Server.protocol).
type Protocol int

const (
	ProtoFTP Protocol = iota
	ProtoFTPES
	ProtoFTPS
)

// PassiveMode is the server-level passive/active preference (spec.md §6
// Server.passive_mode).
type PassiveMode int

const (
	PassiveDefault PassiveMode = iota
	PassiveForced
	ActiveForced
)

// ServerDescriptor carries the per-server inputs the engine consumes
// (spec.md §6).
type ServerDescriptor struct {
	Host               string
	Port               int
	Protocol           Protocol
	User               string
	Password           string
	Account            string
	TimezoneOffsetMins int
	PassiveMode        PassiveMode
	ServerType         string
	Charset            string

	// id uniquely identifies this server for cache/capability keying.
	id string
}

// ID returns a stable per-descriptor key for capability/cache lookups.
func (d *ServerDescriptor) ID() string {
	if d.id == "" {
		d.id = fmt.Sprintf("%s:%d", d.Host, d.Port)
	}
	return d.id
}

// Options carries the session-wide tunables from spec.md §6.
type Options struct {
	TCPKeepaliveInterval time.Duration
	PreserveTimestamps   bool
	PreallocateSpace     bool
	UsePassive           bool
	ExternalIPMode       int // 0=none, 1=configured-static, 2=HTTP resolver
	ExternalIP           string
	ExternalIPResolver   string
	NoExternalOnLocal    bool
	LastResolvedIP       string
	FTPSendKeepalive     bool
}

// EventSink receives the outputs enumerated in spec.md §6. Every method
// is called synchronously from the dispatcher goroutine and must return
// promptly; an embedder that needs to prompt a human maps its own
// async UI flow onto this synchronous boundary (e.g. by blocking on a
// channel internally), which is the engine's only concession to not
// modeling a true non-blocking UI round trip.
type EventSink interface {
	// DirectoryListingChanged reports a cache-affecting mutation.
	DirectoryListingChanged(path string, modified, failed bool)
	// FileExists resolves an overwrite decision for a download/upload
	// whose target already exists.
	FileExists(req OverwriteRequest) OverwriteDecision
	// InteractiveLogin asks for a password the server demanded but the
	// configured ServerDescriptor didn't supply.
	InteractiveLogin(prompt string) (password string, ok bool)
	// CertificateTrust asks whether to trust a TLS certificate the
	// TLSProvider could not verify automatically.
	CertificateTrust(info CertificateInfo) bool
}

// OverwriteRequest describes a pending local/remote name collision.
type OverwriteRequest struct {
	LocalPath   string
	RemotePath  string
	LocalSize   int64
	RemoteSize  int64
	LocalTime   DatetimeWithAccuracy
	RemoteTime  DatetimeWithAccuracy
	IsDownload  bool
}

// OverwriteDecision is the resolved action for an OverwriteRequest.
type OverwriteDecision int

const (
	OverwriteSkip OverwriteDecision = iota
	OverwriteReplace
	OverwriteResume
	OverwriteRename
)

// CertificateInfo is the minimal shape the engine surfaces for a
// trust-on-first-use certificate prompt; the TLSProvider that performed
// the handshake owns the real certificate chain.
type CertificateInfo struct {
	Subject     string
	Issuer      string
	Fingerprint string
}

// noopEventSink is the default EventSink: always picks the conservative
// answer (skip/deny), matching FileZilla's "default to skip" behavior
// referenced in spec.md scenario 4.
type noopEventSink struct{}

func (noopEventSink) DirectoryListingChanged(string, bool, bool)  {}
func (noopEventSink) FileExists(OverwriteRequest) OverwriteDecision { return OverwriteSkip }
func (noopEventSink) InteractiveLogin(string) (string, bool)      { return "", false }
func (noopEventSink) CertificateTrust(CertificateInfo) bool       { return false }

// Session owns one FTP control connection's worth of state: the byte
// stream, the Operation Stack, the dispatcher counters, the current
// remote working directory, the last-negotiated transfer type, and
// references to the per-server capability registry and collaborators.
// Its methods are not safe for concurrent use from multiple goroutines;
// per spec.md §5 it is driven from a single event-loop goroutine.
type Session struct {
	ID     string
	Server *ServerDescriptor
	Opts   *Options
	Caps   *Capabilities
	Log    *slog.Logger

	sock      Socket
	framer    *LineFramer
	assembler *ResponseAssembler
	stack     opStack

	pendingReplies int
	repliesToSkip  int

	cwd          string
	transferType byte // 'I', 'A', or 0 (unknown)

	lastCommandTime time.Time
	clock           func() time.Time

	closed       bool
	disconnected bool

	keepalive *keepaliveTimer

	ListingCache DirectoryCache
	PathCache    PathCache
	Listing      DirectoryListingParser
	Paths        PathFormatter
	TLS          TLSProvider
	Events       EventSink
	Workers      *WorkerPool
	IPResolver   *ExternalIPResolver

	// cachePending tracks deferred "needs send" coalescing state per
	// affected parent path (spec.md §4.12).
	cacheCoalesce map[string]time.Time
	cacheDeferred map[string]bool

	// Dial and Listen open the data channel's active/passive connections.
	// Defaulted to net.Dial/net.Listen by NewSession; overridable for
	// tests and for ProxyDialer-backed tunneling.
	Dial   func(network, addr string, timeout time.Duration) (net.Conn, error)
	Listen func(network, addr string) (net.Listener, error)

	// dataProtected mirrors PROT P/C negotiated during logon: whether
	// data connections must be TLS-wrapped.
	dataProtected bool
}

// NewSession constructs a Session bound to server/opts/caps. sock may be
// nil until Connect supplies it (so a Session can be built before the
// network dial completes, mirroring FileZilla's CFtpControlSocket
// construction ordering).
func NewSession(server *ServerDescriptor, opts *Options, caps *Capabilities, log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	if opts == nil {
		opts = &Options{}
	}
	if caps == nil {
		caps = NewCapabilities()
	}
	s := &Session{
		ID:            uuid.NewString(),
		Server:        server,
		Opts:          opts,
		Caps:          caps,
		Log:           log.With("session", ""),
		framer:        NewLineFramer(),
		assembler:     NewResponseAssembler(),
		clock:         time.Now,
		Events:        noopEventSink{},
		cacheCoalesce: make(map[string]time.Time),
		cacheDeferred: make(map[string]bool),
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.Dial(network, addr)
		},
		Listen: func(network, addr string) (net.Listener, error) {
			return net.Listen(network, addr)
		},
	}
	s.Log = log.With("session_id", s.ID)
	s.keepalive = newKeepaliveTimer(s)
	return s
}

// Attach binds the session to an already-connected Socket and pushes the
// Logon Operation, mirroring spec.md's "created on Connect" lifecycle.
func (s *Session) Attach(sock Socket) {
	s.sock = sock
	s.lastCommandTime = s.clock()
	s.stack.push(newLogonOperation())
	s.sendNextCommand()
}

// Disconnected reports whether the control channel is gone; any
// operation attempted afterward must fail immediately per spec.md §2.
func (s *Session) Disconnected() bool { return s.disconnected }

// Feed delivers newly read bytes (or nil on EOF) from the control
// channel into the Line Framer -> Response Assembler -> dispatch
// pipeline. The caller's read loop is expected to call Feed once per
// Read, including a final Feed(nil) on EOF.
func (s *Session) Feed(data []byte) error {
	if s.disconnected {
		return fmt.Errorf("engine: session disconnected")
	}
	lines, err := s.framer.Feed(data)
	if err != nil {
		s.Log.Debug("control channel closed")
		s.closeDisconnected()
		return err
	}
	for _, line := range lines {
		s.Log.Debug("recv", "line", line)
		reply, aerr := s.assembler.Feed(line)
		if aerr != nil {
			s.Log.Debug("malformed reply line discarded", "err", aerr)
			continue
		}
		if reply != nil {
			s.dispatch(reply)
		}
	}
	return nil
}

// Send writes a raw command line (without CRLF) to the control channel
// and increments pendingReplies. Operations call this from Send/
// ParseResponse rather than writing the socket directly.
func (s *Session) Send(line string) error {
	if s.disconnected {
		return fmt.Errorf("engine: session disconnected")
	}
	s.Log.Debug("send", "line", redactCommand(line))
	if _, err := s.sock.Write([]byte(line + "\r\n")); err != nil {
		s.closeDisconnected()
		return err
	}
	s.pendingReplies++
	s.lastCommandTime = s.clock()
	return nil
}

// redactCommand hides a PASS argument from debug logs.
func redactCommand(line string) string {
	if len(line) >= 4 && (line[:4] == "PASS" || line[:4] == "pass") {
		return "PASS ***"
	}
	return line
}

// dispatch implements spec.md §4.3's dispatch rules for one assembled
// reply.
func (s *Session) dispatch(reply *Reply) {
	if !reply.Is1xx() {
		s.pendingReplies--
		if s.pendingReplies < 0 {
			s.pendingReplies = 0
		}
	}

	if s.repliesToSkip > 0 {
		if !reply.Is1xx() {
			s.repliesToSkip--
		}
		s.maybeArm()
		return
	}

	top := s.stack.top()
	if top == nil {
		s.Log.Debug("reply with no current operation, discarding", "code", reply.Code)
		s.maybeArm()
		return
	}

	result := top.ParseResponse(s, reply)
	s.settle(top, result)
}

// settle processes a Result returned by either ParseResponse or Send for
// the given operation, implementing pop/continue/error handling
// identically for both (spec.md §4.3's SendNextCommand note that it
// "handles Ok/Continue/WouldBlock/error identically" to dispatch).
func (s *Session) settle(op Operation, result Result) {
	switch {
	case result.IsContinue():
		s.sendNextCommand()

	case result.IsWouldBlock():
		// Suspended; nothing further to do until the next reply or async
		// response arrives.
		return

	case result.IsOk(), result.IsCanceled():
		s.popAndResume(op, result)

	default: // Error
		if result.IsDisconnected() {
			s.closeDisconnected()
			return
		}
		if op.Kind() == CmdConnect {
			s.closeDisconnected()
			return
		}
		s.popAndResume(op, result)
	}
}

// popAndResume pops op (which must be the current top) and delivers its
// result to the new top via SubcommandResult, recursing through settle
// for whatever that parent decides to do next.
func (s *Session) popAndResume(op Operation, result Result) {
	popped := s.stack.pop()
	if popped != op {
		s.Log.Debug("engine: stack top mismatch on pop", "expected", op.Kind(), "got", popped)
	}
	s.flushDeferredCacheNotifications()

	parent := s.stack.top()
	if parent == nil {
		s.maybeArm()
		return
	}
	parentResult := parent.SubcommandResult(s, result, op)
	s.settle(parent, parentResult)
}

// sendNextCommand implements spec.md §4.3's SendNextCommand loop.
func (s *Session) sendNextCommand() {
	for {
		top := s.stack.top()
		if top == nil {
			s.maybeArm()
			return
		}
		if s.waitingOnAsync(top) {
			return
		}
		if s.repliesToSkip > 0 {
			return
		}
		result := top.Send(s)
		switch {
		case result.IsContinue():
			return // command sent, awaiting its reply
		case result.IsWouldBlock():
			return
		case result.IsOk(), result.IsCanceled():
			s.popAndResume(top, result)
			return
		default: // Error
			if result.IsDisconnected() || top.Kind() == CmdConnect {
				s.closeDisconnected()
				return
			}
			s.popAndResume(top, result)
			return
		}
	}
}

// waitingOnAsync reports whether op has asked to suspend for an external
// UI reply (overwrite decision, interactive password, certificate
// trust). Operations that can suspend implement asyncWaiter.
func (s *Session) waitingOnAsync(op Operation) bool {
	if w, ok := op.(asyncWaiter); ok {
		return w.waitingForAsync()
	}
	return false
}

type asyncWaiter interface {
	waitingForAsync() bool
}

// Push suspends the current top operation and installs child as the new
// top, then attempts to send its first command.
func (s *Session) Push(child Operation) {
	s.stack.push(child)
	s.sendNextCommand()
}

// Reset implements spec.md §4.3/§5's cancellation reset: arranges for
// pending replies to be silently absorbed rather than routed to any
// operation, e.g. after a user cancels mid-transfer.
func (s *Session) Reset() {
	s.repliesToSkip = s.pendingReplies
	s.maybeArm()
}

// TransferActive reports whether a transfer (file transfer or raw
// transfer) operation currently occupies any slot on the stack. This is
// the single predicate the Keepalive Timer and TCP-keepalive consult,
// replacing the teacher's two inconsistent ad hoc fields (see DESIGN.md).
func (s *Session) TransferActive() bool {
	for _, op := range s.stack.ops {
		if op.Kind() == CmdTransfer || op.Kind() == CmdRawTransfer {
			return true
		}
	}
	return false
}

// maybeArm (re)arms the keepalive timer when the dispatcher has fully
// drained (spec.md §4.3: "replies_to_skip reaches zero with no current
// operation, the keepalive timer is (re)armed").
func (s *Session) maybeArm() {
	if s.repliesToSkip == 0 && s.stack.empty() {
		s.keepalive.arm()
	}
}

// closeDisconnected tears the session down per spec.md §2/§7: any error
// flagged Disconnected, or any error during Connect, closes the session.
func (s *Session) closeDisconnected() {
	s.DoClose()
}

// DoClose tears down the session: destroys the operation stack (joining
// any IO worker owned by a transfer operation), stops the keepalive
// timer, and closes the socket. Idempotent.
func (s *Session) DoClose() {
	if s.closed {
		return
	}
	s.closed = true
	s.disconnected = true
	s.keepalive.stop()
	for _, op := range s.stack.ops {
		if d, ok := op.(interface{ destroy() }); ok {
			d.destroy()
		}
	}
	s.stack.reset()
	if s.sock != nil {
		_ = s.sock.Close()
	}
}

// UpgradeTLS performs the control-channel TLS handshake via the
// configured TLSProvider and replaces the session's socket with the
// wrapped stream, used by the Logon Operation's AUTH TLS gating
// (spec.md §4.8). The handshake itself is treated as opaque per spec.md
// §1's TLS Non-goal.
func (s *Session) UpgradeTLS(serverName string) error {
	if s.TLS == nil {
		return fmt.Errorf("engine: no TLSProvider configured")
	}
	conn, ok := s.sock.(net.Conn)
	if !ok {
		return fmt.Errorf("engine: socket does not support a TLS upgrade")
	}
	wrapped, err := s.TLS.Handshake(conn, serverName)
	if err != nil {
		return err
	}
	s.sock = wrapped
	s.dataProtected = true
	return nil
}

// RawConn returns the current control-channel connection, reflecting any
// TLS upgrade UpgradeTLS has performed. Embedders that drive their own
// read loop (rather than letting this package own the socket) need to
// re-fetch this after every Feed call spanning a possible AUTH TLS,
// since the wrapped stream replaces s.sock mid-session.
func (s *Session) RawConn() net.Conn {
	conn, _ := s.sock.(net.Conn)
	return conn
}

// Cwd returns the last-known remote working directory.
func (s *Session) Cwd() string { return s.cwd }

// TransferType returns the last-negotiated TYPE ('I'/'A'), or 0 if none
// has been negotiated yet.
func (s *Session) TransferType() byte { return s.transferType }

// SetTransferType records a TYPE negotiated outside the Transfer
// Coordinator (e.g. a user-issued TYPE command), so the Raw Transfer
// Coordinator's own redundant-TYPE check (spec.md §4.7) stays accurate.
func (s *Session) SetTransferType(t byte) { s.transferType = t }

// LastCommandTime returns the wall-clock time of the last command sent,
// used by the keepalive timer's 30-minute arming window.
func (s *Session) LastCommandTime() time.Time { return s.lastCommandTime }
