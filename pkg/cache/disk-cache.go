package cache

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"waterfeed/pkg/utils/logger"

	"go.uber.org/multierr"
)

const compactThreshold = 2000

type diskEntry struct {
	key     string
	gen     uint64
	size    int64
	readers int
	doomed  bool
	elem    *list.Element
}

// DiskCache is a size-bounded LRU of encoded bytes, one file per entry plus
// an append-only journal. The journal is replayed on open so committed
// entries survive restarts.
type DiskCache struct {
	dir     string
	version uint32
	budget  int64
	logger  *logger.Logger

	mu        sync.Mutex
	index     map[string]*diskEntry
	lru       *list.List
	size      int64
	pending   map[string]*diskWriter
	nextGen   uint64
	journal   *journal
	redundant int
	closed    bool
	onEvict   func(key string, size int64)
}

// OpenDiskCache opens or creates the cache rooted at dir. A journal written
// under another schema version wipes the directory. Entries beyond budget
// are evicted before it returns.
func OpenDiskCache(dir string, schemaVersion uint32, budget uint64, log *logger.Logger) (*DiskCache, error) {
	if budget == 0 {
		return nil, ioErr("open", "", errors.New("budget must be > 0"))
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioErr("open", "", err)
	}

	cache := &DiskCache{
		dir:     dir,
		version: schemaVersion,
		budget:  int64(budget),
		logger:  log,
		index:   make(map[string]*diskEntry),
		lru:     list.New(),
		pending: make(map[string]*diskWriter),
		nextGen: 1,
	}

	records, err := readJournal(dirPath(dir, journalName), schemaVersion)
	if errors.Is(err, errJournalHeader) {
		log.Warn(fmt.Sprintf("Durable cache at %s has another schema version; wiping", dir))
		if err := wipeDir(dir); err != nil {
			return nil, ioErr("open", "", err)
		}
		records = nil
	} else if err != nil {
		return nil, ioErr("open", "", err)
	}

	cache.replay(records)
	if err := cache.reconcileFiles(); err != nil {
		return nil, ioErr("open", "", err)
	}

	j, err := createJournal(dir, schemaVersion, cache.snapshotRecords())
	if err != nil {
		return nil, ioErr("open", "", err)
	}
	cache.journal = j

	cache.mu.Lock()
	cache.trimToBudget()
	cache.mu.Unlock()

	log.Info(fmt.Sprintf("Durable cache opened at %s: %d entries, %d/%d bytes", dir, len(cache.index), cache.size, cache.budget))
	return cache, nil
}

// OnEvict registers fn to run, under the cache lock, for every entry evicted
// to honour the budget.
func (cache *DiskCache) OnEvict(fn func(key string, size int64)) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.onEvict = fn
}

func (cache *DiskCache) replay(records []journalRecord) {
	for _, rec := range records {
		if rec.gen >= cache.nextGen {
			cache.nextGen = rec.gen + 1
		}
		switch rec.op {
		case opClean:
			if old, ok := cache.index[rec.key]; ok {
				cache.lru.Remove(old.elem)
				cache.size -= old.size
			}
			e := &diskEntry{key: rec.key, gen: rec.gen, size: rec.size}
			e.elem = cache.lru.PushFront(e)
			cache.index[rec.key] = e
			cache.size += rec.size
		case opRemove:
			if old, ok := cache.index[rec.key]; ok && old.gen == rec.gen {
				cache.lru.Remove(old.elem)
				cache.size -= old.size
				delete(cache.index, rec.key)
			}
		case opRead:
			if e, ok := cache.index[rec.key]; ok {
				cache.lru.MoveToFront(e.elem)
			}
		}
	}
}

// reconcileFiles drops index entries whose file is gone or has the wrong
// size, and deletes files no entry refers to.
func (cache *DiskCache) reconcileFiles() error {
	names, err := os.ReadDir(cache.dir)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(names))
	for _, d := range names {
		name := d.Name()
		if name == journalName || name == journalTmpName || d.IsDir() {
			continue
		}
		key, gen, tmp, ok := parseEntryName(name)
		e, known := cache.index[key]
		if !ok || tmp || !known || e.gen != gen {
			if rerr := os.Remove(filepath.Join(cache.dir, name)); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				return rerr
			}
			continue
		}
		info, err := d.Info()
		if err != nil || info.Size() != e.size {
			cache.logger.Warn(fmt.Sprintf("Durable cache entry %s has an unexpected size; dropping", key))
			cache.detach(e)
			continue
		}
		seen[key] = true
	}

	for key, e := range cache.index {
		if !seen[key] {
			cache.detach(e)
		}
	}
	return nil
}

// snapshotRecords lists one CLEAN record per entry, oldest first, so that
// replaying them rebuilds the current recency order.
func (cache *DiskCache) snapshotRecords() []journalRecord {
	records := make([]journalRecord, 0, len(cache.index))
	for elem := cache.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*diskEntry)
		records = append(records, journalRecord{op: opClean, key: e.key, gen: e.gen, size: e.size})
	}
	return records
}

func (cache *DiskCache) entryPath(key string, gen uint64) string {
	return filepath.Join(cache.dir, entryName(key, gen))
}

// Read opens the committed bytes for key and marks it most recently used.
func (cache *DiskCache) Read(key string) (ReadHandle, bool, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return nil, false, ioErr("read", key, ErrClosed)
	}
	e, ok := cache.index[key]
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(cache.entryPath(e.key, e.gen))
	if err != nil {
		cache.logger.Error(fmt.Sprintf("Durable cache entry %s unreadable: %v", key, err))
		cache.detach(e)
		_ = cache.journal.append(journalRecord{op: opRemove, key: e.key, gen: e.gen})
		return nil, false, ioErr("read", key, err)
	}

	e.readers++
	cache.lru.MoveToFront(e.elem)
	cache.redundant++
	if err := cache.journal.append(journalRecord{op: opRead, key: e.key, gen: e.gen}); err != nil {
		cache.logger.Warn(fmt.Sprintf("Unable to journal read of %s: %v", key, err))
	}

	return &diskReader{cache: cache, entry: e, f: f}, true, nil
}

// BeginWrite starts a pending write for key. ok is false when another write
// for key is still pending.
func (cache *DiskCache) BeginWrite(key string) (WriteHandle, bool, error) {
	if !validKey(key) {
		return nil, false, ioErr("begin write", key, ErrInvalidKey)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return nil, false, ioErr("begin write", key, ErrClosed)
	}
	if _, busy := cache.pending[key]; busy {
		return nil, false, nil
	}

	gen := cache.nextGen
	cache.nextGen++
	tmp := cache.entryPath(key, gen) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, false, ioErr("begin write", key, err)
	}

	w := &diskWriter{cache: cache, key: key, gen: gen, f: f, tmp: tmp}
	cache.pending[key] = w
	return w, true, nil
}

// Commit publishes the bytes written through h under its key, then evicts
// least recently read entries until the budget holds.
func (cache *DiskCache) Commit(h WriteHandle) error {
	w, ok := h.(*diskWriter)
	if !ok || w.cache != cache {
		return ioErr("commit", h.Key(), ErrHandleInvalid)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if w.done {
		return ioErr("commit", w.key, ErrHandleInvalid)
	}
	w.done = true
	delete(cache.pending, w.key)

	if w.err != nil {
		w.discard()
		return ioErr("commit", w.key, w.err)
	}
	if err := multierr.Combine(w.f.Sync(), w.f.Close()); err != nil {
		_ = os.Remove(w.tmp)
		return ioErr("commit", w.key, err)
	}
	if w.written > cache.budget {
		_ = os.Remove(w.tmp)
		return ioErr("commit", w.key, ErrEntryTooLarge)
	}

	final := cache.entryPath(w.key, w.gen)
	if err := os.Rename(w.tmp, final); err != nil {
		_ = os.Remove(w.tmp)
		return ioErr("commit", w.key, err)
	}
	if err := syncDir(cache.dir); err != nil {
		cache.logger.Warn(fmt.Sprintf("Unable to sync durable cache directory: %v", err))
	}

	// journal before indexing so a failed append leaves the cache as it was
	if err := cache.journal.append(journalRecord{op: opClean, key: w.key, gen: w.gen, size: w.written}); err != nil {
		if rerr := os.Remove(final); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			cache.logger.Warn(fmt.Sprintf("Unable to delete unjournaled durable cache file for %s: %v", w.key, rerr))
		}
		return ioErr("commit", w.key, err)
	}

	if old, ok := cache.index[w.key]; ok {
		cache.detach(old)
		cache.redundant++
	}

	e := &diskEntry{key: w.key, gen: w.gen, size: w.written}
	e.elem = cache.lru.PushFront(e)
	cache.index[w.key] = e
	cache.size += w.written

	cache.trimToBudget()
	cache.maybeCompact()
	return nil
}

// Abort discards a pending write. Aborting a finished handle is a no-op.
func (cache *DiskCache) Abort(h WriteHandle) error {
	w, ok := h.(*diskWriter)
	if !ok || w.cache != cache {
		return ioErr("abort", h.Key(), ErrHandleInvalid)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if w.done {
		return nil
	}
	w.done = true
	delete(cache.pending, w.key)
	return ioErr("abort", w.key, w.discard())
}

// Flush makes every completed commit durable.
func (cache *DiskCache) Flush() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return ioErr("flush", "", ErrClosed)
	}
	return ioErr("flush", "", cache.journal.flush())
}

// Remove drops key. Open readers keep their stream until they close.
func (cache *DiskCache) Remove(key string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return ioErr("remove", key, ErrClosed)
	}
	e, ok := cache.index[key]
	if !ok {
		return nil
	}
	cache.detach(e)
	cache.redundant++
	return ioErr("remove", key, cache.journal.append(journalRecord{op: opRemove, key: e.key, gen: e.gen}))
}

func (cache *DiskCache) Contains(key string) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	_, ok := cache.index[key]
	return ok
}

// Size is the byte total of all committed entries.
func (cache *DiskCache) Size() int64 {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.size
}

func (cache *DiskCache) Len() int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.index)
}

func (cache *DiskCache) Budget() int64 {
	return cache.budget
}

func (cache *DiskCache) Dir() string {
	return cache.dir
}

// Close aborts pending writes and flushes the journal.
func (cache *DiskCache) Close() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.closed {
		return nil
	}
	cache.closed = true

	var err error
	for key, w := range cache.pending {
		w.done = true
		err = multierr.Append(err, w.discard())
		delete(cache.pending, key)
	}
	err = multierr.Append(err, cache.journal.close())
	return err
}

// detach removes e from the index. Its file is deleted now, or when the last
// reader closes.
func (cache *DiskCache) detach(e *diskEntry) {
	if cache.index[e.key] == e {
		delete(cache.index, e.key)
		cache.lru.Remove(e.elem)
		cache.size -= e.size
	}
	if e.readers > 0 {
		e.doomed = true
		return
	}
	if err := os.Remove(cache.entryPath(e.key, e.gen)); err != nil && !errors.Is(err, os.ErrNotExist) {
		cache.logger.Warn(fmt.Sprintf("Unable to delete durable cache file for %s: %v", e.key, err))
	}
}

func (cache *DiskCache) trimToBudget() {
	for cache.size > cache.budget {
		back := cache.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*diskEntry)
		cache.detach(e)
		cache.redundant++
		if err := cache.journal.append(journalRecord{op: opRemove, key: e.key, gen: e.gen}); err != nil {
			cache.logger.Warn(fmt.Sprintf("Unable to journal eviction of %s: %v", e.key, err))
		}
		cache.logger.Debug(fmt.Sprintf("Evicted %s (%d bytes) from durable cache", e.key, e.size))
		if cache.onEvict != nil {
			cache.onEvict(e.key, e.size)
		}
	}
}

func (cache *DiskCache) maybeCompact() {
	if cache.redundant < compactThreshold || cache.redundant < len(cache.index) {
		return
	}
	if err := cache.journal.close(); err != nil {
		cache.logger.Warn(fmt.Sprintf("Unable to close journal before compaction: %v", err))
	}
	j, err := createJournal(cache.dir, cache.version, cache.snapshotRecords())
	if err != nil {
		// keep appending to the old file rather than losing history
		cache.logger.Error(fmt.Sprintf("Journal compaction failed: %v", err))
		af, oerr := os.OpenFile(dirPath(cache.dir, journalName), os.O_WRONLY|os.O_APPEND, 0644)
		if oerr != nil {
			cache.logger.Error(fmt.Sprintf("Unable to reopen journal: %v", oerr))
			cache.closed = true
			return
		}
		cache.journal = &journal{f: af, w: bufio.NewWriter(af)}
		return
	}
	cache.journal = j
	cache.redundant = 0
}

func (cache *DiskCache) release(e *diskEntry) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	e.readers--
	if e.readers == 0 && e.doomed {
		cache.detach(e)
	}
}

type diskReader struct {
	cache *DiskCache
	entry *diskEntry
	f     *os.File
	once  sync.Once
}

func (r *diskReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		err = ioErr("read", r.entry.key, err)
	}
	return n, err
}

func (r *diskReader) Key() string {
	return r.entry.key
}

func (r *diskReader) Size() int64 {
	return r.entry.size
}

func (r *diskReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.f.Close()
		r.cache.release(r.entry)
	})
	return err
}

type diskWriter struct {
	cache   *DiskCache
	key     string
	gen     uint64
	f       *os.File
	tmp     string
	written int64
	err     error
	done    bool
}

func (w *diskWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = err
		return n, ioErr("write", w.key, err)
	}
	return n, nil
}

func (w *diskWriter) Key() string {
	return w.key
}

func (w *diskWriter) discard() error {
	err := w.f.Close()
	if rerr := os.Remove(w.tmp); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = multierr.Append(err, rerr)
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func entryName(key string, gen uint64) string {
	return key + "." + strconv.FormatUint(gen, 10)
}

func parseEntryName(name string) (key string, gen uint64, tmp bool, ok bool) {
	if strings.HasSuffix(name, ".tmp") {
		tmp = true
		name = strings.TrimSuffix(name, ".tmp")
	}
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return "", 0, tmp, false
	}
	gen, err := strconv.ParseUint(name[dot+1:], 10, 64)
	if err != nil {
		return "", 0, tmp, false
	}
	return name[:dot], gen, tmp, true
}

// validKey accepts keys that are safe as file names on every platform.
func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func dirPath(dir, name string) string {
	return filepath.Join(dir, name)
}

func wipeDir(dir string) error {
	names, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs error
	for _, d := range names {
		errs = multierr.Append(errs, os.RemoveAll(filepath.Join(dir, d.Name())))
	}
	return errs
}
