package actioncache

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	magic         = [4]byte{'B', 'A', 'C', 'H'}
	formatVersion = uint32(1)
)

// FileCache is an append-with-compaction log format:
// a 16-byte header (MAGIC, version, reserved) followed by a sequence of
// records:
//
//	fingerprint[32] | recordLen u32 | name(len-prefixed) | inputsDigest[32] |
//	outputsCount u32 | (path(len-prefixed) | digest[32])* | timestamp i64
//
// all little-endian. recordLen lets a scan resume cleanly after a
// truncated trailing record (a crash mid-append) without parsing it. A
// `.index` sidecar maps fingerprint to byte offset so Probe does not need to
// scan the log; it is rebuilt from the log itself if missing or stale.
type FileCache struct {
	mu       sync.Mutex
	logPath  string
	logFile  *os.File
	index    map[Fingerprint]int64
	inFlight map[Fingerprint]bool

	writesSinceCompaction int
}

// OpenFileCache opens (creating if necessary) the log at logPath and its
// `<logPath>.index` sidecar.
func OpenFileCache(logPath string) (*FileCache, error) {
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("actioncache: open log %s: %w", logPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := writeHeader(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	c := &FileCache{logPath: logPath, logFile: f, index: map[Fingerprint]int64{}, inFlight: map[Fingerprint]bool{}}
	if err := c.loadIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

func writeHeader(f *os.File) error {
	var hdr [16]byte
	copy(hdr[0:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	_, err := f.WriteAt(hdr[:], 0)
	return err
}

// loadIndex tries the `.index` sidecar first; if it is missing, truncated,
// or its recorded end offset doesn't match the log's current size (a sign
// the process crashed between a log append and the matching index update),
// it falls back to rebuilding the index by scanning the full log.
func (c *FileCache) loadIndex() error {
	idxPath := c.logPath + ".index"
	idxFile, err := os.Open(idxPath)
	if err == nil {
		defer idxFile.Close()
		idx, endOffset, readErr := decodeIndex(idxFile)
		info, statErr := c.logFile.Stat()
		if readErr == nil && statErr == nil && endOffset == info.Size() {
			c.index = idx
			return nil
		}
	}
	return c.rebuildIndexByScanning()
}

func (c *FileCache) rebuildIndexByScanning() error {
	c.index = map[Fingerprint]int64{}
	if _, err := c.logFile.Seek(16, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(c.logFile)
	offset := int64(16)
	for {
		start := offset
		fp, recLen, err := readRecordHeader(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Truncated trailing record from a crash mid-write: stop here,
			// the log is usable up to the last complete record.
			break
		}
		if _, err := io.CopyN(io.Discard, r, recLen); err != nil {
			break
		}
		c.index[fp] = start
		offset = start + int64(fingerprintHeaderLen) + recLen
	}
	return nil
}

const fingerprintHeaderLen = 32 + 4 // fingerprint + record body length prefix we add for scanability

func readRecordHeader(r *bufio.Reader) (Fingerprint, int64, error) {
	var fp Fingerprint
	if _, err := io.ReadFull(r, fp[:]); err != nil {
		return fp, 0, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fp, 0, err
	}
	return fp, int64(binary.LittleEndian.Uint32(lenBuf[:])), nil
}

func decodeIndex(r io.Reader) (map[Fingerprint]int64, int64, error) {
	idx := map[Fingerprint]int64{}
	br := bufio.NewReader(r)
	var endOffset int64
	if err := binary.Read(br, binary.LittleEndian, &endOffset); err != nil {
		return nil, 0, err
	}
	for {
		var fp Fingerprint
		if _, err := io.ReadFull(br, fp[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
		var off int64
		if err := binary.Read(br, binary.LittleEndian, &off); err != nil {
			return nil, 0, err
		}
		idx[fp] = off
	}
	return idx, endOffset, nil
}

func (c *FileCache) saveIndex() error {
	info, err := c.logFile.Stat()
	if err != nil {
		return err
	}
	tmp := c.logPath + ".index.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, info.Size()); err != nil {
		_ = f.Close()
		return err
	}
	for fp, off := range c.index {
		if _, err := w.Write(fp[:]); err != nil {
			_ = f.Close()
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, off); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.logPath+".index")
}

func (c *FileCache) Probe(_ context.Context, fp Fingerprint) (Record, *Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if off, ok := c.index[fp]; ok {
		rec, err := c.readRecordAt(off)
		if err != nil {
			return Record{}, nil, err
		}
		return rec, nil, nil
	}
	if c.inFlight[fp] {
		return Record{}, &Token{Fingerprint: fp}, nil
	}
	c.inFlight[fp] = true
	return Record{}, &Token{Fingerprint: fp}, nil
}

func (c *FileCache) readRecordAt(offset int64) (Record, error) {
	body := make([]byte, 0, 256)
	var fp Fingerprint
	if _, err := c.logFile.ReadAt(fp[:], offset); err != nil {
		return Record{}, err
	}
	var lenBuf [4]byte
	if _, err := c.logFile.ReadAt(lenBuf[:], offset+32); err != nil {
		return Record{}, err
	}
	recLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	body = make([]byte, recLen)
	if _, err := c.logFile.ReadAt(body, offset+36); err != nil {
		return Record{}, err
	}
	return decodeRecordBody(body)
}

func (c *FileCache) Store(_ context.Context, tok *Token, rec Record) error {
	if tok == nil {
		return errors.New("actioncache: Store called with nil token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer delete(c.inFlight, tok.Fingerprint)

	body, err := encodeRecordBody(rec)
	if err != nil {
		return err
	}

	info, err := c.logFile.Stat()
	if err != nil {
		return err
	}
	offset := info.Size()

	buf := make([]byte, 0, 36+len(body))
	buf = append(buf, tok.Fingerprint[:]...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)

	if _, err := c.logFile.WriteAt(buf, offset); err != nil {
		return err
	}
	c.index[tok.Fingerprint] = offset
	c.writesSinceCompaction++

	if err := c.saveIndex(); err != nil {
		return err
	}

	const compactionThreshold = 1000
	if c.writesSinceCompaction >= compactionThreshold {
		if err := c.compactLocked(); err != nil {
			return err
		}
		c.writesSinceCompaction = 0
	}
	return nil
}

// compactLocked rewrites the log keeping only the latest record per
// fingerprint, dropping superseded entries accumulated by repeated Store
// calls for the same fingerprint across builds. Caller must hold c.mu.
func (c *FileCache) compactLocked() error {
	tmpPath := c.logPath + ".compact.tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := writeHeader(tmp); err != nil {
		_ = tmp.Close()
		return err
	}

	newIndex := make(map[Fingerprint]int64, len(c.index))
	offset := int64(16)
	for fp, off := range c.index {
		rec, err := c.readRecordAt(off)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		body, err := encodeRecordBody(rec)
		if err != nil {
			_ = tmp.Close()
			return err
		}
		buf := make([]byte, 0, 36+len(body))
		buf = append(buf, fp[:]...)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, body...)
		if _, err := tmp.WriteAt(buf, offset); err != nil {
			_ = tmp.Close()
			return err
		}
		newIndex[fp] = offset
		offset += int64(len(buf))
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := c.logFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.logPath); err != nil {
		return err
	}
	f, err := os.OpenFile(c.logPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	c.logFile = f
	c.index = newIndex
	return c.saveIndex()
}

func encodeRecordBody(rec Record) ([]byte, error) {
	var buf []byte
	buf = appendLenPrefixed(buf, []byte(rec.ActionName))

	digest, err := hexTo32(rec.InputsDigest)
	if err != nil {
		return nil, err
	}
	buf = append(buf, digest[:]...)

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(rec.Outputs)))
	buf = append(buf, countBuf[:]...)

	for _, o := range rec.Outputs {
		buf = appendLenPrefixed(buf, []byte(o.ExecPath))
		d, err := hexTo32(o.Digest)
		if err != nil {
			return nil, err
		}
		buf = append(buf, d[:]...)
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(rec.TimestampUnix))
	buf = append(buf, tsBuf[:]...)
	return buf, nil
}

func decodeRecordBody(body []byte) (Record, error) {
	r := newByteReader(body)
	name, err := r.readLenPrefixed()
	if err != nil {
		return Record{}, err
	}
	var inputsDigest [32]byte
	if err := r.readN(inputsDigest[:]); err != nil {
		return Record{}, err
	}
	count, err := r.readU32()
	if err != nil {
		return Record{}, err
	}
	outs := make([]OutputRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		path, err := r.readLenPrefixed()
		if err != nil {
			return Record{}, err
		}
		var d [32]byte
		if err := r.readN(d[:]); err != nil {
			return Record{}, err
		}
		outs = append(outs, OutputRecord{ExecPath: string(path), Digest: hex.EncodeToString(d[:])})
	}
	ts, err := r.readI64()
	if err != nil {
		return Record{}, err
	}
	return Record{
		ActionName:    string(name),
		InputsDigest:  hex.EncodeToString(inputsDigest[:]),
		Outputs:       outs,
		TimestampUnix: ts,
	}, nil
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("actioncache: digest %q is not valid hex: %w", s, err)
	}
	copy(out[:], decoded)
	return out, nil
}

// byteReader is a minimal cursor over an in-memory record body, used only
// by decodeRecordBody.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) readN(dst []byte) error {
	if r.pos+len(dst) > len(r.data) {
		return io.ErrUnexpectedEOF
	}
	copy(dst, r.data[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *byteReader) readU32() (uint32, error) {
	var buf [4]byte
	if err := r.readN(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *byteReader) readI64() (int64, error) {
	var buf [8]byte
	if err := r.readN(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (r *byteReader) readLenPrefixed() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if err := r.readN(out); err != nil {
		return nil, err
	}
	return out, nil
}

// EntryCount returns the number of fingerprints currently indexed, for
// reporting tools.
func (c *FileCache) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *FileCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logFile.Close()
}
