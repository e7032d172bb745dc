package ftp

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"

	"github.com/maurelian-labs/goftp/engine"
)

// Store uploads data from an io.Reader to the remote path.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Store("remote.txt", file)
func (c *Client) Store(remotePath string, r io.Reader) error {
	return c.streamTransfer("STOR "+remotePath, 0, func(conn net.Conn) error {
		_, err := io.Copy(conn, r)
		return err
	})
}

// StoreFrom uploads a local file to the remote path.
// This is a convenience wrapper around Store.
func (c *Client) StoreFrom(remotePath, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	return c.Store(remotePath, file)
}

// Retrieve downloads data from the remote path to an io.Writer.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Retrieve("remote.txt", file)
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	return c.streamTransfer("RETR "+remotePath, 0, func(conn net.Conn) error {
		_, err := io.Copy(w, conn)
		return err
	})
}

// RetrieveTo downloads a remote file to a local path.
// This is a convenience wrapper around Retrieve.
func (c *Client) RetrieveTo(remotePath, localPath string) error {
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	return c.Retrieve(remotePath, file)
}

// Append appends data from an io.Reader to the remote path.
// If the file doesn't exist, it will be created.
// The transfer is performed in binary mode (TYPE I).
func (c *Client) Append(remotePath string, r io.Reader) error {
	return c.streamTransfer("APPE "+remotePath, 0, func(conn net.Conn) error {
		_, err := io.Copy(conn, r)
		return err
	})
}

// RestartAt sets the restart marker for the next transfer.
// This allows resuming a transfer from a specific byte offset.
// The offset applies to the next RETR or STOR command.
// This implements RFC 3959 - The FTP REST Extension.
//
// Deprecated in favor of RetrieveFrom/StoreAt, which fold the restart
// marker directly into the Transfer Coordinator's REST negotiation. Kept
// for compatibility: REST is sent as a standalone raw command here, so
// the caller must issue the following RETR/STOR via Quote rather than
// Store/Retrieve (which always drive a fresh, offsetless transfer).
func (c *Client) RestartAt(offset int64) error {
	reply, err := c.driveRaw(fmt.Sprintf("REST %d", offset))
	if err != nil {
		return err
	}
	if reply.Code != 350 {
		return &ProtocolError{Command: "REST", Response: reply.Text, Code: reply.Code}
	}
	return nil
}

// RetrieveFrom downloads a file starting from the specified byte offset.
// This is useful for resuming interrupted downloads.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.OpenFile("large.bin", os.O_WRONLY|os.O_APPEND, 0644)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer file.Close()
//
//	info, _ := file.Stat()
//	err = client.RetrieveFrom("large.bin", file, info.Size())
func (c *Client) RetrieveFrom(remotePath string, w io.Writer, offset int64) error {
	return c.streamTransfer("RETR "+remotePath, offset, func(conn net.Conn) error {
		_, err := io.Copy(w, conn)
		return err
	})
}

// StoreAt uploads a file starting from the specified byte offset.
// This allows resuming an interrupted upload by appending to an existing file.
// The transfer is performed in binary mode (TYPE I).
//
// Note: This uses APPE (append) mode when offset > 0, which may not be
// supported by all servers for resume functionality.
func (c *Client) StoreAt(remotePath string, r io.Reader, offset int64) error {
	cmd := "STOR " + remotePath
	if offset > 0 {
		cmd = "APPE " + remotePath
	}
	return c.streamTransfer(cmd, 0, func(conn net.Conn) error {
		_, err := io.Copy(conn, r)
		return err
	})
}

// streamTransfer drives a single Raw Transfer Coordinator round trip for
// an io.Reader/io.Writer caller, bypassing the File Transfer Operation's
// local-path/cache-consult machinery (that operation owns the file handle
// itself, which doesn't fit a caller-supplied stream).
func (c *Client) streamTransfer(command string, restOffset int64, data engine.DataFunc) error {
	op := engine.NewRawTransferOperation(engine.RawTransferRequest{
		Binary:     true,
		Command:    command,
		RestOffset: restOffset,
		Data:       data,
	})
	result, err := c.drive(op)
	if err != nil {
		return err
	}
	if !result.IsOk() {
		return &ProtocolError{Command: command, Response: op.EndReason().String()}
	}
	return nil
}

// pathFileTransfer drives the full File Transfer Operation (cache-consult,
// resume-capability test, timestamp preservation) for local-path-to-remote
// transfers; used by the directory-walking convenience helpers that know
// both endpoints up front.
func (c *Client) pathFileTransfer(req engine.FileTransferRequest) error {
	op := engine.NewFileTransferOperation(req)
	result, err := c.drive(op)
	if err != nil {
		return err
	}
	if !result.IsOk() {
		if op.Err() != nil {
			return op.Err()
		}
		return &ProtocolError{Command: "TRANSFER", Response: op.EndReason().String()}
	}
	return nil
}

// UploadFileResumable uploads localPath to remotePath using the full File
// Transfer Operation, consulting the directory cache and probing the
// 2/4 GiB resume bug the way a managed sync client would, rather than
// Store's raw stream-and-forget semantics.
func (c *Client) UploadFileResumable(localPath, remotePath string, resume bool) error {
	return c.pathFileTransfer(engine.FileTransferRequest{
		IsDownload: false,
		LocalPath:  localPath,
		RemoteDir:  path.Dir(remotePath),
		RemoteFile: path.Base(remotePath),
		Resume:     resume,
		Binary:     true,
	})
}

// DownloadFileResumable downloads remotePath to localPath using the full
// File Transfer Operation; see UploadFileResumable.
func (c *Client) DownloadFileResumable(remotePath, localPath string, resume bool) error {
	return c.pathFileTransfer(engine.FileTransferRequest{
		IsDownload: true,
		LocalPath:  localPath,
		RemoteDir:  path.Dir(remotePath),
		RemoteFile: path.Base(remotePath),
		Resume:     resume,
		Binary:     true,
	})
}
