package disk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ValentinKolb/tKV/lib/tier/disk/internal"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/spf13/afero"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum        = "TKVDISK\x00" // snapshot file identifier
	snapshotVersion = 1

	snapshotFile = "snapshot.tkv"
	journalFile  = "journal.log"

	recPut    uint8 = 1
	recRemove uint8 = 2

	// key length, id, created, expiration and value length of a put record
	putRecordOverhead = 1 + 4 + 3*8 + 4
)

// maxRecordSize bounds every length-prefixed field and journal record.
var maxRecordSize int64 = 1 << 30

// fitsRecord reports whether key and value can be written to the snapshot and
// the journal without exceeding maxRecordSize.
func fitsRecord(key string, value []byte) bool {
	return int64(len(key))+int64(len(value))+putRecordOverhead <= maxRecordSize
}

// --------------------------------------------------------------------------
// Compression
// --------------------------------------------------------------------------

// Compression selects the codec used for the snapshot body.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "zstd" or "lz4" (case-insensitive).
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q (expected none, zstd or lz4)", s)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w with the encoder of c. Closing the returned writer
// flushes the encoder but does not close w.
func compressWriter(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

// decompressReader wraps r with the decoder of c. release must be called once
// the reader is no longer used.
func decompressReader(c Compression, r io.Reader) (reader io.Reader, release func(), err error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported compression %s", c)
	}
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

// snapshotEntry is one mapping as written to a snapshot.
type snapshotEntry struct {
	key   string
	entry internal.Entry
}

// writeSnapshot writes the snapshot to a temporary file and renames it over
// the previous one, so a crash never leaves a half written snapshot behind.
//
// Layout (little endian):
//
//	magic [8]byte | version uint8 | compression uint8 | body
//	body: lastID uint64 | count uint64 | count * entry
//	entry: keyLen uint32 | key | id uint64 | created int64 | lastAccess int64 |
//	       expiration int64 | hits uint64 | valueLen uint32 | value
func writeSnapshot(fs afero.Fs, dir string, c Compression, lastID uint64, entries []snapshotEntry) (err error) {
	final := filepath.Join(dir, snapshotFile)
	tmp := final + ".tmp"

	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = fs.Remove(tmp)
		}
	}()

	bw := bufio.NewWriterSize(f, 1024*1024) // 1 MB buffer

	// header is never compressed
	if _, err = bw.WriteString(magicNum); err != nil {
		return err
	}
	if err = bw.WriteByte(snapshotVersion); err != nil {
		return err
	}
	if err = bw.WriteByte(byte(c)); err != nil {
		return err
	}

	cw, err := compressWriter(c, bw)
	if err != nil {
		return err
	}
	if err = writeSnapshotBody(cw, lastID, entries); err != nil {
		return err
	}
	if err = cw.Close(); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, final)
}

func writeSnapshotBody(w io.Writer, lastID uint64, entries []snapshotEntry) error {
	if err := binary.Write(w, binary.LittleEndian, lastID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}

	for _, item := range entries {
		e := item.entry
		if err := writeBytes(w, []byte(item.key)); err != nil {
			return err
		}
		fixed := [5]uint64{e.ID, uint64(e.Created), uint64(e.LastAccess), uint64(e.Expiration), e.Hits}
		if err := binary.Write(w, binary.LittleEndian, fixed); err != nil {
			return err
		}
		if err := writeBytes(w, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// readSnapshot loads the snapshot in dir. A missing snapshot is not an error,
// found is false in that case.
func readSnapshot(fs afero.Fs, dir string, visit func(key string, e internal.Entry)) (lastID uint64, found bool, err error) {
	f, err := fs.Open(filepath.Join(dir, snapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1024*1024) // 1 MB buffer

	header := make([]byte, len(magicNum)+2)
	if _, err := io.ReadFull(br, header); err != nil {
		return 0, true, fmt.Errorf("read snapshot header: %w", err)
	}
	if string(header[:len(magicNum)]) != magicNum {
		return 0, true, fmt.Errorf("invalid snapshot format: magic number mismatch")
	}
	if v := header[len(magicNum)]; v != snapshotVersion {
		return 0, true, fmt.Errorf("unsupported snapshot version: %d (expected %d)", v, snapshotVersion)
	}

	r, release, err := decompressReader(Compression(header[len(magicNum)+1]), br)
	if err != nil {
		return 0, true, err
	}
	defer release()

	if err := binary.Read(r, binary.LittleEndian, &lastID); err != nil {
		return 0, true, fmt.Errorf("read snapshot id: %w", err)
	}
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, true, fmt.Errorf("read snapshot count: %w", err)
	}

	for i := uint64(0); i < count; i++ {
		key, err := readBytes(r)
		if err != nil {
			return 0, true, fmt.Errorf("read entry %d: %w", i, err)
		}
		var fixed [5]uint64
		if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
			return 0, true, fmt.Errorf("read entry %d: %w", i, err)
		}
		value, err := readBytes(r)
		if err != nil {
			return 0, true, fmt.Errorf("read entry %d: %w", i, err)
		}
		visit(string(key), internal.Entry{
			Value:      value,
			ID:         fixed[0],
			Created:    int64(fixed[1]),
			LastAccess: int64(fixed[2]),
			Expiration: int64(fixed[3]),
			Hits:       fixed[4],
		})
	}

	return lastID, true, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if int64(len(b)) > maxRecordSize {
		return fmt.Errorf("field of %d bytes exceeds limit", len(b))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > maxRecordSize {
		return nil, fmt.Errorf("field of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Journal
// --------------------------------------------------------------------------

// journal is an append only log of mutations since the last snapshot.
//
// Every record is framed as length uint32 | crc32 uint32 | payload. A record
// that is cut short or fails its checksum marks the end of the journal; this
// is what a crash in the middle of an append leaves behind.
//
// Expirations are not journaled: an expired entry that is replayed is dropped
// on load because its expiration is part of the record.
//
// Thread-safety: append is safe for concurrent use.
type journal struct {
	mu   sync.Mutex
	f    afero.File
	buf  []byte
	sync bool
}

// openJournal creates (or truncates) the journal in dir.
func openJournal(fs afero.Fs, dir string, syncWrites bool) (*journal, error) {
	f, err := fs.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &journal{f: f, sync: syncWrites}, nil
}

func (j *journal) appendPut(key string, e internal.Entry) error {
	payload := make([]byte, 0, 1+4+len(key)+8*3+4+len(e.Value))
	payload = append(payload, recPut)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(key)))
	payload = append(payload, key...)
	payload = binary.LittleEndian.AppendUint64(payload, e.ID)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(e.Created))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(e.Expiration))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(e.Value)))
	payload = append(payload, e.Value...)
	return j.append(payload)
}

func (j *journal) appendRemove(key string) error {
	payload := make([]byte, 0, 1+4+len(key))
	payload = append(payload, recRemove)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(key)))
	payload = append(payload, key...)
	return j.append(payload)
}

func (j *journal) append(payload []byte) error {
	if int64(len(payload)) > maxRecordSize {
		return fmt.Errorf("journal record of %d bytes exceeds limit", len(payload))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.buf = j.buf[:0]
	j.buf = binary.LittleEndian.AppendUint32(j.buf, uint32(len(payload)))
	j.buf = binary.LittleEndian.AppendUint32(j.buf, crc32.ChecksumIEEE(payload))
	j.buf = append(j.buf, payload...)

	if _, err := j.f.Write(j.buf); err != nil {
		return err
	}
	if j.sync {
		return j.f.Sync()
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// journalRecord is a decoded journal record. Value is nil for removals.
type journalRecord struct {
	op    uint8
	key   string
	entry internal.Entry
}

// replayJournal reads the journal in dir and calls apply for every intact
// record. It returns the number of records applied and whether the journal
// ended with a torn record.
func replayJournal(fs afero.Fs, dir string, apply func(rec journalRecord)) (n int, torn bool, err error) {
	f, err := fs.Open(filepath.Join(dir, journalFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var header [8]byte

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return n, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return n, true, nil
			}
			return n, false, err
		}

		size := binary.LittleEndian.Uint32(header[:4])
		sum := binary.LittleEndian.Uint32(header[4:])
		if int64(size) > maxRecordSize {
			return n, true, nil
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return n, true, nil
			}
			return n, false, err
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return n, true, nil
		}

		rec, ok := decodeRecord(payload)
		if !ok {
			return n, true, nil
		}
		apply(rec)
		n++
	}
}

func decodeRecord(p []byte) (journalRecord, bool) {
	var rec journalRecord
	if len(p) < 5 {
		return rec, false
	}
	rec.op = p[0]
	keyLen := int(binary.LittleEndian.Uint32(p[1:5]))
	p = p[5:]
	if len(p) < keyLen {
		return rec, false
	}
	rec.key = string(p[:keyLen])
	p = p[keyLen:]

	switch rec.op {
	case recRemove:
		return rec, len(p) == 0
	case recPut:
		if len(p) < 28 {
			return rec, false
		}
		rec.entry.ID = binary.LittleEndian.Uint64(p[0:8])
		rec.entry.Created = int64(binary.LittleEndian.Uint64(p[8:16]))
		rec.entry.Expiration = int64(binary.LittleEndian.Uint64(p[16:24]))
		valueLen := int(binary.LittleEndian.Uint32(p[24:28]))
		p = p[28:]
		if len(p) != valueLen {
			return rec, false
		}
		rec.entry.Value = append([]byte{}, p...)
		rec.entry.LastAccess = rec.entry.Created
		return rec, true
	default:
		return rec, false
	}
}
