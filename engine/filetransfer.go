package engine

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	giB            = 1 << 30
	resumeThresh2G = 2 * giB
	resumeThresh4G = 4 * giB
)

type ftState int

const (
	ftInit ftState = iota
	ftWaitCwd
	ftWaitList
	ftSize
	ftSizeWait
	ftMdtm
	ftMdtmWait
	ftResumeTest
	ftWaitResumeTest
	ftTransfer
	ftWaitTransfer
	ftMfmt
	ftMfmtWait
	ftDone
)

// FileTransferRequest is the input to the File Transfer Operation
// (spec.md §4.6).
type FileTransferRequest struct {
	IsDownload         bool
	LocalPath          string
	RemoteDir          string
	RemoteFile         string
	Resume             bool
	Binary             bool
	PreserveTimestamps bool
	Preallocate        bool
}

// fileTransferOperation implements spec.md §4.6 (and §4.9's resume
// capability test), the primary driver of a single upload/download.
type fileTransferOperation struct {
	req FileTransferRequest

	state ftState

	tryAbsolutePath bool

	localFileSize  int64
	remoteFileSize int64
	fileTime       DatetimeWithAccuracy
	fileDidExist   bool

	transferCommandSent bool
	transferInitiated   bool
	endReason           TransferEndReason

	resumeProbeThreshold int64

	localFile *os.File
	ioWorker  *IOWorker

	err error
}

func NewFileTransferOperation(req FileTransferRequest) *fileTransferOperation {
	return &fileTransferOperation{req: req, state: ftInit, endReason: EndSuccessful}
}

func (op *fileTransferOperation) Kind() Command { return CmdTransfer }

func (op *fileTransferOperation) Err() error                      { return op.err }
func (op *fileTransferOperation) RemoteSize() int64               { return op.remoteFileSize }
func (op *fileTransferOperation) FileTime() DatetimeWithAccuracy   { return op.fileTime }
func (op *fileTransferOperation) EndReason() TransferEndReason     { return op.endReason }

func (op *fileTransferOperation) remoteName(s *Session) string {
	if op.tryAbsolutePath {
		if s.Paths != nil {
			return s.Paths.Join(op.req.RemoteDir, op.req.RemoteFile)
		}
		return path.Join(op.req.RemoteDir, op.req.RemoteFile)
	}
	return op.req.RemoteFile
}

func (op *fileTransferOperation) Send(s *Session) Result {
	switch op.state {
	case ftInit:
		op.state = ftWaitCwd
		s.Push(newChangeDirOperation(op.req.RemoteDir))
		return WouldBlock

	case ftSize:
		if err := s.Send("SIZE " + op.remoteName(s)); err != nil {
			return Error | Disconnected
		}
		op.state = ftSizeWait
		return Continue

	case ftMdtm:
		if err := s.Send("MDTM " + op.remoteName(s)); err != nil {
			return Error | Disconnected
		}
		op.state = ftMdtmWait
		return Continue

	case ftResumeTest:
		return op.resolveOverwriteAndMaybeProbe(s)

	case ftTransfer:
		return op.beginTransfer(s)

	case ftMfmt:
		cmd := fmt.Sprintf("MFMT %s %s", formatMfmtTime(op.fileTime), op.remoteName(s))
		if err := s.Send(cmd); err != nil {
			return Error | Disconnected
		}
		op.state = ftMfmtWait
		return Continue

	case ftDone:
		return Ok

	default:
		return WouldBlock
	}
}

func (op *fileTransferOperation) ParseResponse(s *Session, reply *Reply) Result {
	switch op.state {
	case ftSizeWait:
		if reply.Is2xx() || reply.Is3xx() {
			if n, ok := parseLeadingInt(reply.Text); ok {
				op.remoteFileSize = n
			}
			if tri, _ := s.Caps.Get(CapSIZE); tri == Unknown {
				s.Caps.Set(CapSIZE, Yes, "")
			}
			op.state = ftMdtm
			return Continue
		}
		tri, _ := s.Caps.Get(CapSIZE)
		if tri == Yes || isFileNotFoundReply(reply.Text, op.req.RemoteFile) {
			op.state = ftResumeTest
			return Continue
		}
		op.state = ftMdtm
		return Continue

	case ftMdtmWait:
		if reply.Is2xx() || reply.Is3xx() {
			if t, ok := parseMdtmTime(reply.Text); ok {
				adjusted := t.Add(-time.Duration(s.Server.TimezoneOffsetMins) * time.Minute)
				op.fileTime = NewDatetime(adjusted, AccuracySeconds)
			}
			if tri, _ := s.Caps.Get(CapMDTM); tri == Unknown {
				s.Caps.Set(CapMDTM, Yes, "")
			}
		}
		op.state = ftResumeTest
		return Continue

	case ftMfmtWait:
		if reply.Is2xx() || reply.Is3xx() {
			s.Caps.Set(CapMFMT, Yes, "")
		} else {
			s.Log.Debug("MFMT failed, not fatal to transfer")
		}
		op.state = ftDone
		return Continue

	default:
		return Error | InternalError
	}
}

func (op *fileTransferOperation) SubcommandResult(s *Session, result Result, child Operation) Result {
	switch op.state {
	case ftWaitCwd:
		if result.IsOk() {
			op.tryAbsolutePath = false
			return op.afterCwdSuccess(s)
		}
		op.tryAbsolutePath = true
		op.state = ftSize
		return Continue

	case ftWaitList:
		if !result.IsOk() {
			op.state = ftSize
			return Continue
		}
		return op.afterCwdSuccess(s)

	case ftWaitResumeTest:
		cap := CapResume2GBBug
		if op.resumeProbeThreshold >= resumeThresh4G {
			cap = CapResume4GBBug
		}
		if !result.IsOk() {
			// The probe byte didn't match what we expected at that offset:
			// the server mis-seeked, confirming the resume bug at this
			// threshold.
			s.Caps.Set(cap, Yes, "")
			op.endReason = EndFailedResumeTest
			return Error | Critical
		}
		s.Caps.Set(cap, No, "")
		op.state = ftTransfer
		return Continue

	case ftWaitTransfer:
		rt, _ := child.(*RawTransferOperation)
		if rt != nil {
			op.transferCommandSent = rt.transferCommandSent
			op.transferInitiated = rt.transferInitiated
		}
		op.cleanupIO()
		if !result.IsOk() {
			if rt != nil {
				op.endReason = rt.EndReason()
			} else {
				op.endReason = EndFailure
			}
			return Error
		}
		op.endReason = EndSuccessful
		return op.afterTransferSuccess(s)

	default:
		return Error | InternalError
	}
}

// afterCwdSuccess implements spec.md §4.6's post-CWD (and post-LIST)
// cache-consultation branch.
func (op *fileTransferOperation) afterCwdSuccess(s *Session) Result {
	if s.ListingCache == nil {
		return op.pushList(s)
	}
	entry, found, dirCached, caseMatched := s.ListingCache.LookupFile(s.Server.ID(), op.req.RemoteDir, op.req.RemoteFile)
	if !found {
		if !dirCached {
			return op.pushList(s)
		}
		if op.req.IsDownload && op.req.PreserveTimestamps {
			if tri, _ := s.Caps.Get(CapMDTM); tri == Yes {
				op.state = ftMdtm
				return Continue
			}
		}
		op.state = ftResumeTest
		return Continue
	}
	if entry.Unsure {
		return op.pushList(s)
	}
	if caseMatched {
		op.remoteFileSize = entry.Size
		if entry.ModTime.IsValid() {
			op.fileTime = entry.ModTime
		}
		lacksTimeOfDay := entry.ModTime.Accuracy() <= AccuracyDays
		if op.req.IsDownload && op.req.PreserveTimestamps && lacksTimeOfDay {
			if tri, _ := s.Caps.Get(CapMDTM); tri == Yes {
				op.state = ftMdtm
				return Continue
			}
		}
		op.state = ftResumeTest
		return Continue
	}
	op.state = ftSize
	return Continue
}

func (op *fileTransferOperation) pushList(s *Session) Result {
	op.state = ftWaitList
	s.Push(newListOperation(op.req.RemoteDir, false))
	return WouldBlock
}

// resolveOverwriteAndMaybeProbe implements the ResumeTest state: an
// overwrite decision (when the local counterpart already exists) then,
// for resumed downloads, the §4.9 2/4 GiB resume-bug probe.
func (op *fileTransferOperation) resolveOverwriteAndMaybeProbe(s *Session) Result {
	if op.req.IsDownload {
		if info, err := os.Stat(op.req.LocalPath); err == nil {
			op.fileDidExist = true
			op.localFileSize = info.Size()
			req := OverwriteRequest{
				LocalPath: op.req.LocalPath, RemotePath: op.remoteName(s),
				LocalSize: info.Size(), RemoteSize: op.remoteFileSize,
				LocalTime: NewDatetime(info.ModTime(), AccuracySeconds), RemoteTime: op.fileTime,
				IsDownload: true,
			}
			switch s.Events.FileExists(req) {
			case OverwriteSkip:
				op.state = ftDone
				op.endReason = EndSuccessful
				return Ok
			case OverwriteResume:
				op.req.Resume = true
			case OverwriteReplace:
				op.req.Resume = false
				op.localFileSize = 0
			}
		}
	}

	if op.req.IsDownload && op.req.Resume {
		thresholds := []struct {
			sz  int64
			cap Capability
		}{{resumeThresh2G, CapResume2GBBug}, {resumeThresh4G, CapResume4GBBug}}
		for _, th := range thresholds {
			if op.localFileSize < th.sz {
				continue
			}
			tri, _ := s.Caps.Get(th.cap)
			switch tri {
			case Yes:
				if op.localFileSize == op.remoteFileSize {
					op.state = ftDone
					op.endReason = EndSuccessful
					return Ok
				}
				op.endReason = EndFailedResumeTest
				return Error | Critical
			case Unknown:
				if op.remoteFileSize > op.localFileSize {
					expected, rerr := readLocalByteAt(op.req.LocalPath, op.localFileSize-1)
					if rerr != nil {
						return op.localErr(rerr)
					}
					op.resumeProbeThreshold = th.sz
					op.state = ftWaitResumeTest
					s.Push(NewRawTransferOperation(RawTransferRequest{
						Binary:     true,
						Command:    fmt.Sprintf("RETR %s", op.remoteName(s)),
						RestOffset: op.localFileSize - 1,
						Data: func(conn net.Conn) error {
							buf := make([]byte, 1)
							if _, err := io.ReadFull(conn, buf); err != nil {
								return err
							}
							if buf[0] != expected {
								return fmt.Errorf("engine: resume probe byte mismatch at offset %d", op.localFileSize-1)
							}
							return nil
						},
					}))
					return WouldBlock
				}
			}
		}
	}

	op.state = ftTransfer
	return Continue
}

// beginTransfer opens the local file per spec.md §4.6's per-direction/
// per-resume rules, then pushes the Raw Transfer child.
func (op *fileTransferOperation) beginTransfer(s *Session) Result {
	var f *os.File
	var err error
	var restOffset int64
	cmdVerb := "RETR"
	if !op.req.IsDownload {
		cmdVerb = "STOR"
	}

	if op.req.IsDownload {
		if op.req.Resume {
			f, err = os.OpenFile(op.req.LocalPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if err != nil {
				return op.localErr(err)
			}
			pos, _ := f.Seek(0, io.SeekEnd)
			op.localFileSize = pos
			restOffset = pos
		} else {
			if dir := filepath.Dir(op.req.LocalPath); dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
			f, err = os.OpenFile(op.req.LocalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return op.localErr(err)
			}
		}
		if op.req.Preallocate && op.remoteFileSize > op.localFileSize {
			delta := op.remoteFileSize - op.localFileSize
			cur, _ := f.Seek(0, io.SeekCurrent)
			if terr := f.Truncate(cur + delta); terr != nil {
				s.Log.Debug("preallocate failed", "err", terr)
			} else {
				_, _ = f.Seek(cur, io.SeekStart)
			}
		}
	} else {
		f, err = os.Open(op.req.LocalPath)
		if err != nil {
			return op.localErr(err)
		}
		if info, serr := f.Stat(); serr == nil {
			op.localFileSize = info.Size()
		}
		if op.req.Resume {
			tri, _ := s.Caps.Get(CapRestStream)
			if tri == Yes && op.remoteFileSize > 0 {
				if _, serr := f.Seek(op.remoteFileSize, io.SeekStart); serr == nil {
					restOffset = op.remoteFileSize
				}
			}
			if op.req.Binary && restOffset == op.localFileSize {
				f.Close()
				if op.req.PreserveTimestamps {
					if tri, _ := s.Caps.Get(CapMFMT); tri == Yes {
						if fi, serr := os.Stat(op.req.LocalPath); serr == nil {
							op.fileTime = NewDatetime(fi.ModTime(), AccuracySeconds)
						}
						op.state = ftMfmt
						return Continue
					}
				}
				op.state = ftDone
				op.endReason = EndSuccessful
				return Ok
			}
			if tri != Yes {
				cmdVerb = "APPE"
			}
		}
	}

	op.localFile = f
	op.ioWorker = NewIOWorker(s.Workers, f, op.req.IsDownload, op.req.Binary)
	req := RawTransferRequest{
		Binary:     op.req.Binary,
		RestOffset: restOffset,
		Command:    fmt.Sprintf("%s %s", cmdVerb, op.remoteName(s)),
	}
	if op.req.IsDownload {
		req.Data = func(conn net.Conn) error {
			op.ioWorker.PumpDownload(conn)
			op.ioWorker.Wait()
			return op.ioWorker.Err()
		}
	} else {
		req.Data = func(conn net.Conn) error {
			op.ioWorker.PumpUpload(conn)
			op.ioWorker.Wait()
			return op.ioWorker.Err()
		}
	}
	op.state = ftWaitTransfer
	s.Push(NewRawTransferOperation(req))
	return WouldBlock
}

// readLocalByteAt reads the single byte at offset from the local file
// under resume, used as the expected value for the §4.9 resume probe.
func readLocalByteAt(localPath string, offset int64) (byte, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (op *fileTransferOperation) localErr(err error) Result {
	op.endReason = EndPreTransferCommandFailure
	op.err = err
	op.state = ftDone
	return Error | Critical
}

func (op *fileTransferOperation) cleanupIO() {
	if op.ioWorker != nil {
		op.ioWorker.Destroy()
		op.ioWorker = nil
		op.localFile = nil
	}
}

func (op *fileTransferOperation) afterTransferSuccess(s *Session) Result {
	if !op.req.IsDownload {
		s.invalidateMutation(op.req.RemoteDir, op.req.RemoteFile)
		if s.ListingCache != nil {
			s.ListingCache.UpdateFile(s.Server.ID(), op.req.RemoteDir, DirectoryEntry{
				Name: op.req.RemoteFile, Size: op.localFileSize,
			})
		}
	}

	if op.req.PreserveTimestamps {
		if !op.req.IsDownload {
			if tri, _ := s.Caps.Get(CapMFMT); tri == Yes {
				if fi, err := os.Stat(op.req.LocalPath); err == nil {
					op.fileTime = NewDatetime(fi.ModTime(), AccuracySeconds)
				}
				op.state = ftMfmt
				return Continue
			}
		} else if op.fileTime.IsValid() {
			t := op.fileTime.Time()
			if err := os.Chtimes(op.req.LocalPath, t, t); err != nil {
				s.Log.Debug("set local mtime failed", "err", err)
			}
		}
	}
	op.state = ftDone
	return Ok
}

func (op *fileTransferOperation) destroy() {
	op.cleanupIO()
	if op.localFile != nil {
		op.localFile.Close()
	}
}

// sizeNotFoundPhrases are the known "no such file" phrasings used to
// classify a generic SIZE error reply (spec.md Open Question #1).
var sizeNotFoundPhrases = []string{"no such file", "not found", "cannot find"}

// isFileNotFoundReply implements the documented heuristic: match a known
// phrase, but never when the requested filename itself happens to
// contain that phrase (the source's own exclusion, per DESIGN.md).
func isFileNotFoundReply(text, filename string) bool {
	lower := strings.ToLower(text)
	matched := false
	for _, p := range sizeNotFoundPhrases {
		if strings.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if filename != "" && strings.Contains(lower, strings.ToLower(filename)) {
		return false
	}
	return true
}

// parseLeadingInt parses a 64-bit decimal from the start of text,
// stopping at the first non-digit (spec.md §4.6's SIZE parse rule).
func parseLeadingInt(text string) (int64, bool) {
	text = strings.TrimLeft(text, " ")
	i := 0
	for i < len(text) && text[i] >= '0' && text[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(text[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

const mdtmLayout = "20060102150405"

// parseMdtmTime parses an MDTM reply body in "YYYYMMDDHHMMSS[.fff]" form.
func parseMdtmTime(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	main, frac, hasFrac := strings.Cut(text, ".")
	if len(main) < 14 {
		return time.Time{}, false
	}
	t, err := time.Parse(mdtmLayout, main[:14])
	if err != nil {
		return time.Time{}, false
	}
	if hasFrac {
		for len(frac) < 3 {
			frac += "0"
		}
		if ms, merr := strconv.Atoi(frac[:3]); merr == nil {
			t = t.Add(time.Duration(ms) * time.Millisecond)
		}
	}
	return t.UTC(), true
}

// formatMfmtTime renders dt as the "YYYYMMDDHHMMSS" form MFMT expects,
// in UTC (spec.md §4.6).
func formatMfmtTime(dt DatetimeWithAccuracy) string {
	return dt.Time().UTC().Format(mdtmLayout)
}
