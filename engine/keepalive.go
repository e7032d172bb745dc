package engine

import (
	"math/rand/v2"
	"time"
)

// keepalivePeriod is the idle probe interval (spec.md §4.11).
const keepalivePeriod = 30 * time.Second

// keepaliveWindow is how recently the last command must have completed
// for the timer to arm at all.
const keepaliveWindow = 30 * time.Minute

// keepaliveTimer issues a benign command on idle-time expiry and arranges
// for its reply to be silently discarded via repliesToSkip, exactly as
// spec.md §4.11 describes. Modeled as a plain stdlib timer rather than a
// goroutine-per-session ticker (the teacher's two incompatible
// implementations in client.go/client_keepalive.go are unified here —
// see DESIGN.md).
type keepaliveTimer struct {
	s       *Session
	timer   *time.Timer
	rng     func() int
	clock   func() time.Time
	fireFn  func() // overridable for tests
}

func newKeepaliveTimer(s *Session) *keepaliveTimer {
	return &keepaliveTimer{
		s:     s,
		rng:   func() int { return rand.IntN(3) },
		clock: time.Now,
	}
}

// arm schedules the next keepalive fire, if conditions allow: the
// session isn't closed, keepalives aren't disabled by option, the last
// completed command was within keepaliveWindow, and no transfer is
// active.
func (k *keepaliveTimer) arm() {
	if k.s.closed || !k.s.Opts.FTPSendKeepalive {
		return
	}
	if k.s.TransferActive() {
		return
	}
	now := k.clock()
	if !k.s.lastCommandTime.IsZero() && now.Sub(k.s.lastCommandTime) > keepaliveWindow {
		return
	}
	k.stop()
	k.timer = time.AfterFunc(keepalivePeriod, k.fire)
}

func (k *keepaliveTimer) stop() {
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

// fire sends the randomly-selected keepalive command and arranges for
// its reply to be skipped. Index 0=NOOP, 1=TYPE (matching last negotiated
// type), 2=PWD.
func (k *keepaliveTimer) fire() {
	if k.fireFn != nil {
		k.fireFn()
		return
	}
	k.doFire(k.rng())
}

func (k *keepaliveTimer) doFire(idx int) {
	s := k.s
	if s.closed || !s.stack.empty() {
		return
	}
	var cmd string
	switch idx {
	case 0:
		cmd = "NOOP"
	case 1:
		t := "I"
		if s.transferType == 'A' {
			t = "A"
		}
		cmd = "TYPE " + t
	default:
		cmd = "PWD"
	}
	s.Log.Debug("keepalive", "cmd", cmd)
	if err := s.Send(cmd); err != nil {
		return
	}
	s.repliesToSkip++
}
