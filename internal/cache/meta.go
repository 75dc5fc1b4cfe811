// Package cache implements the Cache Store: a
// content-addressed on-disk store mapping a task digest to a directory of
// hard-linked output files, optional captured logs, and a metadata record,
// plus an optional remote archive tier.
//
// Grounded on turborepo's internal/cache.cache (local/http dual-tier
// dispatch) and internal/runcache (get/put orchestration around a
// CacheStore), generalized from turborepo's npm-lockfile-addressed cache
// keys to a task digest.
package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/omni-build/omni/internal/model"
	"github.com/omni-build/omni/internal/omnipath"
)

// metaMagic + metaVersion are written at the head of every cache.meta.bin
// so a future format change can refuse to decode an old entry outright
// instead of silently misreading it.
//
// There is no ecosystem serialization library in the retrieved pack that
// fits a small, versioned, fixed-field record better than a direct
// encoding/binary writer would; encoding/binary with an explicit version
// byte is the stdlib choice here, used deliberately rather than by
// default (see DESIGN.md).
var metaMagic = [4]byte{'O', 'M', 'N', 'I'}

const metaVersion = 1

// byteOrder is binary.BigEndian throughout this file; every integer field
// in cache.meta.bin is big-endian.
var byteOrder = binary.BigEndian

// EncodeMeta serializes a CachedTaskExecution into the cache.meta.bin wire
// format: magic, version, then every field of model.CachedTaskExecution in
// declaration order, strings length-prefixed with a uint32.
func EncodeMeta(rec model.CachedTaskExecution) []byte {
	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	buf.WriteByte(metaVersion)

	writeString(&buf, rec.ProjectName)
	writeString(&buf, rec.TaskName)
	buf.Write(rec.Digest[:])
	writeString(&buf, rec.Command)
	writeInt64(&buf, int64(rec.ExecutionDuration))
	writeInt32(&buf, int32(rec.ExitCode))
	writeInt64(&buf, rec.ExecutionTime.UTC().UnixNano())

	writeUint32(&buf, uint32(len(rec.DependencyDigests)))
	for _, d := range rec.DependencyDigests {
		buf.Write(d[:])
	}

	writeString(&buf, rec.LogsPath)

	writeUint32(&buf, uint32(len(rec.Files)))
	for _, f := range rec.Files {
		writeString(&buf, f.CachedPath)
		buf.WriteByte(byte(f.OriginalPath.Anchor))
		writeString(&buf, f.OriginalPath.Raw)
	}

	return buf.Bytes()
}

// DecodeMeta is the inverse of EncodeMeta. An unrecognized magic or a
// version newer than this reader understands returns an error, not a
// panic.
func DecodeMeta(data []byte) (model.CachedTaskExecution, error) {
	var rec model.CachedTaskExecution
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return rec, fmt.Errorf("cache: truncated meta record: %w", err)
	}
	if magic != metaMagic {
		return rec, fmt.Errorf("cache: bad meta magic %q", magic)
	}
	version, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("cache: truncated meta record: %w", err)
	}
	if version != metaVersion {
		return rec, fmt.Errorf("cache: unsupported meta version %d (reader supports %d)", version, metaVersion)
	}

	if rec.ProjectName, err = readString(r); err != nil {
		return rec, err
	}
	if rec.TaskName, err = readString(r); err != nil {
		return rec, err
	}
	if _, err := io.ReadFull(r, rec.Digest[:]); err != nil {
		return rec, fmt.Errorf("cache: truncated digest: %w", err)
	}
	if rec.Command, err = readString(r); err != nil {
		return rec, err
	}
	durNanos, err := readInt64(r)
	if err != nil {
		return rec, err
	}
	rec.ExecutionDuration = time.Duration(durNanos)
	exitCode, err := readInt32(r)
	if err != nil {
		return rec, err
	}
	rec.ExitCode = int(exitCode)
	execNanos, err := readInt64(r)
	if err != nil {
		return rec, err
	}
	rec.ExecutionTime = time.Unix(0, execNanos).UTC()

	depCount, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	rec.DependencyDigests = make([]model.Digest, depCount)
	for i := range rec.DependencyDigests {
		if _, err := io.ReadFull(r, rec.DependencyDigests[i][:]); err != nil {
			return rec, fmt.Errorf("cache: truncated dependency digest %d: %w", i, err)
		}
	}

	if rec.LogsPath, err = readString(r); err != nil {
		return rec, err
	}

	fileCount, err := readUint32(r)
	if err != nil {
		return rec, err
	}
	rec.Files = make([]model.CachedFile, fileCount)
	for i := range rec.Files {
		if rec.Files[i].CachedPath, err = readString(r); err != nil {
			return rec, err
		}
		anchorByte, err := r.ReadByte()
		if err != nil {
			return rec, fmt.Errorf("cache: truncated file anchor %d: %w", i, err)
		}
		raw, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.Files[i].OriginalPath = omnipath.Path{Anchor: omnipath.Anchor(anchorByte), Raw: raw}
	}

	return rec, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("cache: truncated string field: %w", err)
	}
	return string(b), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("cache: truncated uint32 field: %w", err)
	}
	return byteOrder.Uint32(b[:]), nil
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func readInt32(r *bytes.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	byteOrder.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("cache: truncated int64 field: %w", err)
	}
	return int64(byteOrder.Uint64(b[:])), nil
}
