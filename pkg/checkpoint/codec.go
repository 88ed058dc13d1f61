// Package checkpoint persists and restores durable snapshots of audit
// progress so an interrupted task resumes instead of restarting.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/argus-audit/argus/pkg/models"
)

// Blob layout (big-endian):
//
//	4 bytes  magic "AGCP"
//	2 bytes  format version
//	4 bytes  state length
//	N bytes  AuditState JSON
//	4 bytes  finding count
//	per finding: 4-byte length + Finding JSON
var magic = [4]byte{'A', 'G', 'C', 'P'}

// Version is the current blob format version.
const Version uint16 = 1

// maxRecordLen guards decode against corrupt length prefixes.
const maxRecordLen = 64 << 20

var (
	// ErrBadMagic indicates the blob is not a checkpoint.
	ErrBadMagic = errors.New("checkpoint blob has bad magic")

	// ErrVersionMismatch indicates a blob written by an incompatible
	// format version. Callers treat the checkpoint as unusable and
	// restart the task from scratch.
	ErrVersionMismatch = errors.New("checkpoint format version mismatch")
)

// Snapshot is the decoded content of a checkpoint blob.
type Snapshot struct {
	State    models.AuditState
	Findings []models.Finding
}

// Encode serializes a snapshot into the binary blob format.
func Encode(snap *Snapshot) ([]byte, error) {
	stateJSON, err := json.Marshal(&snap.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit state: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	writeUint16(&buf, Version)
	writeUint32(&buf, uint32(len(stateJSON)))
	buf.Write(stateJSON)
	writeUint32(&buf, uint32(len(snap.Findings)))
	for i := range snap.Findings {
		record, err := json.Marshal(&snap.Findings[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode finding %d: %w", i, err)
		}
		writeUint32(&buf, uint32(len(record)))
		buf.Write(record)
	}
	return buf.Bytes(), nil
}

// Decode parses a blob, verifying magic and version.
func Decode(blob []byte) (*Snapshot, error) {
	r := bytes.NewReader(blob)

	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil || gotMagic != magic {
		return nil, ErrBadMagic
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: blob v%d, engine v%d", ErrVersionMismatch, version, Version)
	}

	stateJSON, err := readRecord(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit state: %w", err)
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("failed to decode audit state: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read finding count: %w", err)
	}
	if count > 0 {
		snap.Findings = make([]models.Finding, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		record, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read finding %d: %w", i, err)
		}
		var f models.Finding
		if err := json.Unmarshal(record, &f); err != nil {
			return nil, fmt.Errorf("failed to decode finding %d: %w", i, err)
		}
		snap.Findings = append(snap.Findings, f)
	}
	return snap, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readRecord(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxRecordLen {
		return nil, fmt.Errorf("record length %d exceeds limit", length)
	}
	record := make([]byte, length)
	if _, err := io.ReadFull(r, record); err != nil {
		return nil, err
	}
	return record, nil
}
