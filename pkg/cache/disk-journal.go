package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const (
	journalName    = "journal"
	journalTmpName = "journal.tmp"
	journalMagic   = "WFDJ"
	maxKeyLen      = 255
)

const (
	opClean  byte = 1
	opRemove byte = 2
	opRead   byte = 3
)

var errJournalHeader = errors.New("journal header mismatch")

// journalRecord is one line of cache history. Layout (big endian):
// op(1) keyLen(4) key gen(8) size(8) xxhash64(8) over everything before it.
type journalRecord struct {
	op   byte
	key  string
	gen  uint64
	size int64
}

func encodeRecord(buf []byte, r journalRecord) []byte {
	buf = buf[:0]
	buf = append(buf, r.op)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.key)))
	buf = append(buf, r.key...)
	buf = binary.BigEndian.AppendUint64(buf, r.gen)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.size))
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func encodeHeader(version uint32) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, journalMagic...)
	buf = binary.BigEndian.AppendUint32(buf, version)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

// readJournal replays path. A missing file yields no records; a header for
// another schema version yields errJournalHeader. Reading stops quietly at
// the first truncated or corrupt record.
func readJournal(path string, version uint32) ([]journalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errJournalHeader
	}
	if string(header[:4]) != journalMagic ||
		binary.BigEndian.Uint32(header[4:8]) != version ||
		binary.BigEndian.Uint64(header[8:16]) != xxhash.Sum64(header[:8]) {
		return nil, errJournalHeader
	}

	var records []journalRecord
	fixed := make([]byte, 5)
	tail := make([]byte, 24)
	for {
		if _, err := io.ReadFull(r, fixed); err != nil {
			break
		}
		keyLen := binary.BigEndian.Uint32(fixed[1:5])
		if keyLen == 0 || keyLen > maxKeyLen {
			break
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			break
		}
		if _, err := io.ReadFull(r, tail); err != nil {
			break
		}

		rec := journalRecord{
			op:   fixed[0],
			key:  string(key),
			gen:  binary.BigEndian.Uint64(tail[0:8]),
			size: int64(binary.BigEndian.Uint64(tail[8:16])),
		}
		check := encodeRecord(nil, rec)
		if binary.BigEndian.Uint64(check[len(check)-8:]) != binary.BigEndian.Uint64(tail[16:24]) {
			break
		}
		if rec.op != opClean && rec.op != opRemove && rec.op != opRead {
			break
		}
		records = append(records, rec)
	}

	return records, nil
}

type journal struct {
	f   *os.File
	w   *bufio.Writer
	buf []byte
}

// createJournal atomically replaces the journal in dir with a header plus
// records, and opens it for appending.
func createJournal(dir string, version uint32, records []journalRecord) (*journal, error) {
	tmp := dirPath(dir, journalTmpName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(encodeHeader(version)); err != nil {
		f.Close()
		return nil, err
	}
	var buf []byte
	for _, rec := range records {
		buf = encodeRecord(buf, rec)
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	path := dirPath(dir, journalName)
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &journal{f: af, w: bufio.NewWriter(af)}, nil
}

func (j *journal) append(rec journalRecord) error {
	j.buf = encodeRecord(j.buf, rec)
	_, err := j.w.Write(j.buf)
	return err
}

func (j *journal) flush() error {
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Sync()
}

func (j *journal) close() error {
	err := j.flush()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	return err
}
