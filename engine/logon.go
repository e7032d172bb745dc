package engine

import (
	"strings"
)

type lgState int

const (
	lgWaitWelcome lgState = iota
	lgNeedAuth
	lgAuthWait
	lgSendUser
	lgUserWait
	lgSendPass
	lgPassWait
	lgSendAcct
	lgAcctWait
	lgSendFeat
	lgFeatWait
	lgSendClnt
	lgClntWait
	lgSendOpts
	lgOptsWait
	lgSendPbsz
	lgPbszWait
	lgSendProt
	lgProtWait
	lgDone
)

// logonOperation implements spec.md §4.8, the Logon Operation. It
// occupies the CmdConnect stack slot, so any error raised while it is on
// top closes the session per spec.md §7 ("an error inside the Connect
// operation closes the session with Disconnected").
type logonOperation struct {
	state         lgState
	needPassword  bool
	challenge     []string
}

func newLogonOperation() *logonOperation { return &logonOperation{state: lgWaitWelcome} }

func (op *logonOperation) Kind() Command { return CmdConnect }

func (op *logonOperation) Send(s *Session) Result {
	for {
		switch op.state {
		case lgWaitWelcome:
			return WouldBlock // the server speaks first

		case lgNeedAuth:
			if s.Server.Protocol == ProtoFTPES {
				if err := s.Send("AUTH TLS"); err != nil {
					return Error | Disconnected
				}
				op.state = lgAuthWait
				return Continue
			}
			op.state = lgSendUser
			continue

		case lgSendUser:
			if err := s.Send("USER " + s.Server.User); err != nil {
				return Error | Disconnected
			}
			op.state = lgUserWait
			return Continue

		case lgSendPass:
			pw := s.Server.Password
			if pw == "" && op.needPassword {
				entered, ok := s.Events.InteractiveLogin("Password for " + s.Server.User)
				if !ok {
					return Error | Critical
				}
				pw = entered
			}
			if err := s.Send("PASS " + pw); err != nil {
				return Error | Disconnected
			}
			op.state = lgPassWait
			return Continue

		case lgSendAcct:
			if err := s.Send("ACCT " + s.Server.Account); err != nil {
				return Error | Disconnected
			}
			op.state = lgAcctWait
			return Continue

		case lgSendFeat:
			if err := s.Send("FEAT"); err != nil {
				return Error | Disconnected
			}
			op.state = lgFeatWait
			return Continue

		case lgSendClnt:
			if tri, _ := s.Caps.Get(CapCLNT); tri == Yes {
				if err := s.Send("CLNT goftp"); err != nil {
					return Error | Disconnected
				}
				op.state = lgClntWait
				return Continue
			}
			op.state = lgSendOpts
			continue

		case lgSendOpts:
			if tri, _ := s.Caps.Get(CapUTF8); tri == Yes {
				if err := s.Send("OPTS UTF8 ON"); err != nil {
					return Error | Disconnected
				}
				op.state = lgOptsWait
				return Continue
			}
			op.state = lgSendPbsz
			continue

		case lgSendPbsz:
			if s.Server.Protocol != ProtoFTP {
				if err := s.Send("PBSZ 0"); err != nil {
					return Error | Disconnected
				}
				op.state = lgPbszWait
				return Continue
			}
			op.state = lgDone
			continue

		case lgSendProt:
			if err := s.Send("PROT P"); err != nil {
				return Error | Disconnected
			}
			op.state = lgProtWait
			return Continue

		case lgDone:
			return Ok

		default:
			return WouldBlock
		}
	}
}

// sftpMispointPhrase is the welcome-line sniff: many admins point an FTP
// client at an SSH port by mistake, and OpenSSH's banner starts with
// this exact prefix (spec.md §4.8).
const sftpMispointPhrase = "ssh"

func (op *logonOperation) ParseResponse(s *Session, reply *Reply) Result {
	switch op.state {
	case lgWaitWelcome:
		op.challenge = append(op.challenge, reply.Lines...)
		if len(reply.Lines) > 0 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(reply.Lines[0])), sftpMispointPhrase) {
			return Error | Critical
		}
		if !reply.Is2xx() {
			return Error | Disconnected
		}
		op.state = lgNeedAuth
		return Continue

	case lgAuthWait:
		if !reply.Is2xx() {
			return Error | Critical
		}
		if err := s.UpgradeTLS(s.Server.Host); err != nil {
			return Error | Critical | Disconnected
		}
		op.state = lgSendUser
		return Continue

	case lgUserWait:
		if reply.Code == 230 {
			op.state = lgSendFeat
			return Continue
		}
		if reply.Is3xx() {
			op.needPassword = s.Server.Password == ""
			op.state = lgSendPass
			return Continue
		}
		return Error

	case lgPassWait:
		if reply.Code == 230 {
			op.state = lgSendFeat
			return Continue
		}
		if reply.Is3xx() {
			op.state = lgSendAcct
			return Continue
		}
		return Error

	case lgAcctWait:
		if reply.Is2xx() {
			op.state = lgSendFeat
			return Continue
		}
		return Error

	case lgFeatWait:
		if reply.Is2xx() {
			s.Caps.ApplyFeat(parseFeatLines(reply.Lines))
		}
		op.state = lgSendClnt
		return Continue

	case lgClntWait:
		op.state = lgSendOpts
		return Continue

	case lgOptsWait:
		op.state = lgSendPbsz
		return Continue

	case lgPbszWait:
		op.state = lgSendProt
		return Continue

	case lgProtWait:
		op.state = lgDone
		return Continue

	default:
		return Error | InternalError
	}
}

func (op *logonOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	return Error | InternalError
}

// parseFeatLines tokenizes a FEAT response's continuation lines per
// spec.md §4.8: split after the first space, uppercase-compare tokens.
func parseFeatLines(lines []string) map[string]string {
	facts := make(map[string]string)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(line) >= 4 && (line[3] == '-' || line[3] == ' ') && !strings.HasPrefix(line, " ") {
			// Status line ("211-Features:" / "211 End"), not a feature.
			continue
		}
		parts := strings.SplitN(trimmed, " ", 2)
		name := strings.ToUpper(parts[0])
		param := ""
		if len(parts) > 1 {
			param = parts[1]
		}
		facts[name] = param
	}
	return facts
}
