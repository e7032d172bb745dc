package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply is a fully assembled server reply: a 1..5 class code plus the
// final line's text and any preceding continuation lines.
type Reply struct {
	Code  int
	Text  string
	Lines []string
}

// Class returns the reply's leading digit (1-5), or 0 if the code is
// outside 100-599 (treated as invalid per spec).
func (r Reply) Class() int {
	if r.Code < 100 || r.Code > 599 {
		return 0
	}
	return r.Code / 100
}

func (r Reply) Is1xx() bool { return r.Class() == 1 }
func (r Reply) Is2xx() bool { return r.Class() == 2 }
func (r Reply) Is3xx() bool { return r.Class() == 3 }
func (r Reply) Is4xx() bool { return r.Class() == 4 }
func (r Reply) Is5xx() bool { return r.Class() == 5 }

func (r Reply) String() string { return strings.Join(r.Lines, "\n") }

type assemblerState int

const (
	stateIdle assemblerState = iota
	stateCollecting
)

// ResponseAssembler merges consecutive lines belonging to the same reply,
// detecting the multi-line "DDD-"/"DDD " framing (including the RFC 2389
// space-prefixed continuation variant), and yields complete Replies.
type ResponseAssembler struct {
	state  assemblerState
	code   int
	codeS  string
	lines  []string
}

// NewResponseAssembler returns an assembler in the Idle state.
func NewResponseAssembler() *ResponseAssembler {
	return &ResponseAssembler{state: stateIdle}
}

// Feed processes one framed line and returns a completed Reply if the
// line finished one, or nil if more lines are needed.
func (a *ResponseAssembler) Feed(line string) (*Reply, error) {
	switch a.state {
	case stateIdle:
		if len(line) < 4 {
			return nil, fmt.Errorf("engine: invalid response line: %q", line)
		}
		code, err := strconv.Atoi(line[0:3])
		if err != nil {
			return nil, fmt.Errorf("engine: invalid response code: %q", line[0:3])
		}
		switch line[3] {
		case ' ':
			return &Reply{Code: code, Text: line[4:], Lines: []string{line}}, nil
		case '-':
			a.state = stateCollecting
			a.code = code
			a.codeS = line[0:3]
			a.lines = []string{line}
			return nil, nil
		default:
			return nil, fmt.Errorf("engine: invalid response format: %q", line)
		}

	case stateCollecting:
		// RFC 2389 continuation lines are prefixed with a space and never
		// terminate the reply.
		if len(line) > 0 && line[0] == ' ' {
			a.lines = append(a.lines, line)
			return nil, nil
		}

		if len(line) < 4 || line[0:3] != a.codeS {
			// Not a properly coded continuation; FileZilla's assembler is
			// lenient here and just appends it as more continuation text.
			a.lines = append(a.lines, line)
			return nil, nil
		}

		a.lines = append(a.lines, line)
		switch line[3] {
		case ' ':
			var textLines []string
			for _, l := range a.lines {
				if len(l) > 4 {
					textLines = append(textLines, l[4:])
				}
			}
			reply := &Reply{Code: a.code, Text: strings.Join(textLines, "\n"), Lines: a.lines}
			a.state = stateIdle
			a.lines = nil
			return reply, nil
		case '-':
			return nil, nil
		default:
			return nil, fmt.Errorf("engine: invalid response format: %q", line)
		}
	}

	return nil, fmt.Errorf("engine: unreachable assembler state")
}

// Collecting reports whether the assembler is mid-multi-line-reply. The
// dispatcher uses this only for diagnostics; there is no timeout at this
// layer per spec.
func (a *ResponseAssembler) Collecting() bool { return a.state == stateCollecting }
