package ftp

import (
	"bufio"
	"crypto/tls"
	"net"
	"path"
	"strings"

	"github.com/maurelian-labs/goftp/engine"
)

// entryListingParser adapts the line-based ListingParser chain (Unix/DOS/
// EPLF) to engine.DirectoryListingParser, which hands the engine raw
// data-channel bytes from a LIST/NLST transfer and expects back the
// engine's own DirectoryEntry shape.
type entryListingParser struct {
	parsers []ListingParser
}

func (p *entryListingParser) Parse(raw []byte) ([]engine.DirectoryEntry, error) {
	var out []engine.DirectoryEntry
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	for scanner.Scan() {
		entry := parseListLine(scanner.Text(), p.parsers)
		if entry == nil {
			continue
		}
		out = append(out, engine.DirectoryEntry{
			Name:  entry.Name,
			Size:  entry.Size,
			IsDir: entry.Type == "dir",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// unixPathFormatter implements engine.PathFormatter for Unix-style remote
// filesystems, the only server type this package's listing parsers target.
type unixPathFormatter struct{}

func (unixPathFormatter) Join(dir, name string) string { return path.Join(dir, name) }
func (unixPathFormatter) Dir(p string) string          { return path.Dir(p) }
func (unixPathFormatter) Base(p string) string         { return path.Base(p) }

// clientTLSProvider performs the control-channel TLS handshake the Logon
// Operation requests for explicit FTPES, via the Client's own tls.Config.
type clientTLSProvider struct {
	config *tls.Config
}

func (p *clientTLSProvider) Handshake(conn net.Conn, serverName string) (net.Conn, error) {
	cfg := p.config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cloned := cfg.Clone()
		cloned.ServerName = serverName
		cfg = cloned
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
