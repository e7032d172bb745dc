package engine

import (
	"net"
	"time"
)

// DirectoryEntry is the minimal shape the engine needs from a parsed
// listing line or cache entry to drive the File Transfer Operation's
// cache-hit logic (spec.md §4.6). Concrete listing formats (Unix/DOS/
// EPLF/MLSD) and richer fields live in the adapter packages outside the
// engine.
type DirectoryEntry struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime DatetimeWithAccuracy
	// Unsure marks a cache entry whose metadata may be stale and must not
	// be trusted for transfer decisions (spec.md glossary: "unsure entry").
	Unsure bool
}

// DirectoryListingParser consumes raw data-channel bytes from a LIST/
// NLST/MLSD transfer and emits structured entries. Specified only by this
// interface; the format-specific parsing is an explicit Non-goal of the
// core engine (spec.md §1).
type DirectoryListingParser interface {
	Parse(raw []byte) ([]DirectoryEntry, error)
}

// PathFormatter formats and joins remote paths in a server-type-aware
// way (e.g. Unix vs. VMS vs. DOS path grammars). An explicit Non-goal of
// the core engine.
type PathFormatter interface {
	Join(dir, name string) string
	Dir(path string) string
	Base(path string) string
}

// DirectoryCache is the remote-directory-listing cache the File Transfer
// Operation consults before issuing LIST, and the target of the
// cache-coherence hooks (spec.md §4.12, §6).
type DirectoryCache interface {
	// LookupFile reports whether name is known within the cached listing
	// of (server, path). found reports whether an entry was located at
	// all; dirCached reports whether the directory's listing has been
	// cached (independent of whether name was found in it); caseMatched
	// reports whether the match was an exact case match (a
	// case-insensitive hit with caseMatched=false signals the "entry
	// present, case did not match" branch of §4.6).
	LookupFile(server, path, name string) (entry DirectoryEntry, found, dirCached, caseMatched bool)
	InvalidateFile(server, path, name string)
	RemoveFile(server, path, name string)
	RemoveDir(server, path string)
	UpdateFile(server, path string, entry DirectoryEntry)
	Rename(server, oldPath, oldName, newPath, newName string)
	InvalidateServer(server string)
}

// PathCache caches resolved/formatted remote paths keyed by server.
type PathCache interface {
	Lookup(server, path string) (string, bool)
	InvalidatePath(server, path string)
	InvalidateServer(server string)
}

// TLSProvider performs the TLS handshake over an already-connected byte
// stream and hands back the wrapped stream plus any negotiated session
// state the caller cares about (e.g. for data-channel session reuse).
// The TLS implementation itself is an explicit Non-goal; the engine only
// needs handshake sequencing control.
type TLSProvider interface {
	Handshake(conn net.Conn, serverName string) (net.Conn, error)
}

// ProxyDialer opens the control or data connection, optionally tunneling
// through a proxy. An explicit Non-goal; supplied by the embedder.
type ProxyDialer interface {
	Dial(network, addr string, timeout time.Duration) (net.Conn, error)
}

// Socket is the byte-stream abstraction the Session reads/writes the
// control channel through. It is deliberately the smallest surface the
// dispatcher needs: plain or TLS-wrapped, the engine never cares which.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
