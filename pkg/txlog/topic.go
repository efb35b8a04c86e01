package txlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const topicConfigFile = "topic.toml"

// Topic is a single-partition ordered log of keyed records.
type Topic struct {
	name   string
	dir    string
	config TopicConfig

	maxSegmentSize int64
	bytesPerSync   int64
	syncEveryWrite bool
	unSynced       int64

	mu             sync.RWMutex
	currentSegment *segment
	segments       map[segmentID]*segment
	nextOffset     int64
	cursorCount    int
}

func openTopic(dir, name string, maxSegmentSize, bytesPerSync int64, syncEveryWrite bool) (*Topic, error) {
	cfgPath := filepath.Join(dir, topicConfigFile)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("read topic config: %w", err)
	}
	var cfg TopicConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse topic config: %w", err)
	}

	t := &Topic{
		name:           name,
		dir:            dir,
		config:         cfg,
		maxSegmentSize: maxSegmentSize,
		bytesPerSync:   bytesPerSync,
		syncEveryWrite: syncEveryWrite,
		segments:       make(map[segmentID]*segment),
	}
	if err := t.recoverSegments(); err != nil {
		return nil, fmt.Errorf("topic %s: segment recovery failed: %w", name, err)
	}
	return t, nil
}

func createTopic(dir, name string, cfg TopicConfig, maxSegmentSize, bytesPerSync int64, syncEveryWrite bool) (*Topic, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create topic directory: %w", err)
	}
	cfgPath := filepath.Join(dir, topicConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return nil, ErrTopicExists
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode topic config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write topic config: %w", err)
	}
	return openTopic(dir, name, maxSegmentSize, bytesPerSync, syncEveryWrite)
}

func (t *Topic) recoverSegments() error {
	files, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("read topic directory: %w", err)
	}

	var ids []segmentID
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), segmentExt) {
			continue
		}
		base := strings.TrimSuffix(file.Name(), segmentExt)
		id, err := strconv.ParseUint(base, 10, 32)
		if err != nil {
			// skip non-numeric segment files
			continue
		}
		ids = append(ids, segmentID(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		seg, err := openSegmentFile(t.dir, 1, t.maxSegmentSize)
		if err != nil {
			return fmt.Errorf("create initial segment: %w", err)
		}
		t.segments[1] = seg
		t.currentSegment = seg
		t.nextOffset = 0
		return nil
	}

	for i, id := range ids {
		seg, err := openSegmentFile(t.dir, id, t.maxSegmentSize)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", id, err)
		}
		if i < len(ids)-1 && !seg.sealed() {
			if err := seg.seal(); err != nil {
				return err
			}
		}
		// sealed segments restore their logical bounds by a scan as well;
		// the bounds are not part of the header.
		if seg.sealed() && seg.lastOffset.Load() < 0 {
			t.scanBounds(seg)
		}
		t.segments[id] = seg
		t.currentSegment = seg
	}

	for _, seg := range t.segments {
		if last := seg.lastOffset.Load(); last >= t.nextOffset {
			t.nextOffset = last + 1
		}
	}
	return nil
}

func (t *Topic) scanBounds(seg *segment) {
	byteOff := int64(segmentHeaderSize)
	for {
		rec, next, err := seg.readAt(byteOff)
		if err != nil {
			return
		}
		if seg.firstOffset.Load() < 0 {
			seg.firstOffset.Store(rec.offset)
		}
		seg.lastOffset.Store(rec.offset)
		byteOff = next
	}
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Config returns the persisted topic configuration.
func (t *Topic) Config() TopicConfig { return t.config }

// NextOffset is the offset the next appended record will be assigned.
func (t *Topic) NextOffset() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextOffset
}

// append assigns the next logical offset and writes one record.
func (t *Topic) append(key, value []byte) (int64, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentSegment == nil {
		return 0, time.Time{}, errors.New("no active segment")
	}
	if recordSize(len(key), len(value)) > t.maxSegmentSize-segmentHeaderSize {
		return 0, time.Time{}, ErrRecordTooLarge
	}

	if t.currentSegment.willExceed(len(key), len(value)) {
		if err := t.rotateSegment(); err != nil {
			return 0, time.Time{}, fmt.Errorf("rotate segment: %w", err)
		}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	offset := t.nextOffset
	if _, err := t.currentSegment.append(offset, now.UnixMilli(), key, value); err != nil {
		return 0, time.Time{}, err
	}
	t.nextOffset++

	t.unSynced += recordSize(len(key), len(value))
	if t.syncEveryWrite || (t.bytesPerSync > 0 && t.unSynced >= t.bytesPerSync) {
		if err := t.currentSegment.msync(); err != nil {
			return 0, time.Time{}, err
		}
		t.unSynced = 0
	}
	return offset, now, nil
}

func (t *Topic) rotateSegment() error {
	if t.currentSegment != nil && !t.currentSegment.sealed() {
		if err := t.currentSegment.seal(); err != nil {
			return fmt.Errorf("seal current segment: %w", err)
		}
		if err := t.currentSegment.sync(); err != nil {
			return err
		}
	}
	var newID segmentID = 1
	if t.currentSegment != nil {
		newID = t.currentSegment.id + 1
	}
	seg, err := openSegmentFile(t.dir, newID, t.maxSegmentSize)
	if err != nil {
		return fmt.Errorf("create new segment: %w", err)
	}
	t.segments[newID] = seg
	t.currentSegment = seg
	return nil
}

// Sync flushes the active segment to disk.
func (t *Topic) Sync() error {
	t.mu.RLock()
	seg := t.currentSegment
	t.mu.RUnlock()
	if seg == nil {
		return errors.New("no active segment")
	}
	return seg.sync()
}

func (t *Topic) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cErr error
	for _, seg := range t.segments {
		if err := seg.close(); err != nil {
			cErr = errors.Join(cErr, err)
		}
	}
	return cErr
}

func (t *Topic) sortedSegments() []*segment {
	segs := make([]*segment, 0, len(t.segments))
	for _, seg := range t.segments {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs
}

// Cursor reads a topic sequentially from a logical offset. The cursor sees
// records appended after its creation; Next returns io.EOF when it has
// caught up with the head of the topic.
type Cursor struct {
	topic   *Topic
	segIdx  int
	segs    []*segment
	byteOff int64
	next    int64 // next logical offset of interest
	closed  bool
}

// NewCursor returns a cursor positioned at the first record whose offset is
// >= from. Offsets inside compaction gaps resolve to the next surviving
// record.
func (t *Topic) NewCursor(from int64) *Cursor {
	t.mu.Lock()
	segs := t.sortedSegments()
	t.cursorCount++
	t.mu.Unlock()

	c := &Cursor{topic: t, segs: segs, next: from, byteOff: segmentHeaderSize}
	// skip whole segments below the requested offset
	for c.segIdx < len(c.segs)-1 {
		last := c.segs[c.segIdx].lastOffset.Load()
		if last >= 0 && last < from {
			c.segIdx++
			continue
		}
		break
	}
	return c
}

// Next returns the next record at or beyond the cursor's offset. io.EOF
// means the cursor is at the head; the caller polls again later.
func (c *Cursor) Next() (Record, error) {
	if c.closed {
		return Record{}, ErrSegmentClosed
	}
	for {
		if c.segIdx >= len(c.segs) {
			if !c.refreshSegments() {
				return Record{}, io.EOF
			}
			continue
		}
		seg := c.segs[c.segIdx]
		rec, nextByte, err := seg.readAt(c.byteOff)
		if errors.Is(err, io.EOF) {
			if seg.sealed() {
				c.segIdx++
				c.byteOff = segmentHeaderSize
				continue
			}
			// active segment: check whether rotation has happened since the
			// cursor snapshot was taken.
			if !c.refreshSegments() {
				return Record{}, io.EOF
			}
			continue
		}
		if err != nil {
			return Record{}, err
		}
		c.byteOff = nextByte
		if rec.offset < c.next {
			continue
		}
		c.next = rec.offset + 1
		return Record{
			Topic:  c.topic.name,
			Offset: rec.offset,
			Key:    append([]byte(nil), rec.key...),
			Value:  append([]byte(nil), rec.value...),
			Time:   time.UnixMilli(rec.time).UTC(),
		}, nil
	}
}

// refreshSegments re-snapshots the segment list after a rotation. Reports
// whether anything new is visible.
func (c *Cursor) refreshSegments() bool {
	c.topic.mu.RLock()
	segs := c.topic.sortedSegments()
	c.topic.mu.RUnlock()
	if len(segs) == len(c.segs) && c.segIdx < len(segs) {
		return false
	}
	if len(segs) <= c.segIdx {
		return false
	}
	c.segs = segs
	return true
}

// Close releases the cursor.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.topic.mu.Lock()
	c.topic.cursorCount--
	c.topic.mu.Unlock()
}

// Compact rewrites the sealed segments of a compacted topic, keeping only
// the newest record per key. Logical offsets of surviving records are
// preserved, so consumers replay the original offsets with gaps.
//
// Compaction requires that no cursors are open on the topic: rewriting a
// segment invalidates the byte offsets a cursor may be holding.
func (t *Topic) Compact() (removed int, err error) {
	if t.config.CleanupPolicy != CleanupCompact {
		return 0, ErrCompactionNoop
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorCount > 0 {
		return 0, ErrCursorExclusive
	}

	// newest offset per key across the whole topic, active segment included:
	// a key rewritten in the active segment supersedes sealed copies.
	latest := make(map[string]int64)
	for _, seg := range t.sortedSegments() {
		byteOff := int64(segmentHeaderSize)
		for {
			rec, next, rerr := seg.readAt(byteOff)
			if rerr != nil {
				break
			}
			latest[string(rec.key)] = rec.offset
			byteOff = next
		}
	}

	for _, seg := range t.sortedSegments() {
		if !seg.sealed() {
			continue
		}
		n, cerr := t.rewriteSegment(seg, latest)
		if cerr != nil {
			return removed, cerr
		}
		removed += n
	}
	compactionRemovedTotal.WithLabelValues(t.name).Add(float64(removed))
	return removed, nil
}

func (t *Topic) rewriteSegment(seg *segment, latest map[string]int64) (int, error) {
	type keep struct {
		offset, ts int64
		key, value []byte
	}
	var survivors []keep
	dropped := 0
	byteOff := int64(segmentHeaderSize)
	for {
		rec, next, err := seg.readAt(byteOff)
		if err != nil {
			break
		}
		if latest[string(rec.key)] == rec.offset {
			survivors = append(survivors, keep{
				offset: rec.offset,
				ts:     rec.time,
				key:    append([]byte(nil), rec.key...),
				value:  append([]byte(nil), rec.value...),
			})
		} else {
			dropped++
		}
		byteOff = next
	}
	if dropped == 0 {
		return 0, nil
	}

	tmpDir, err := os.MkdirTemp(t.dir, "compact-*")
	if err != nil {
		return 0, fmt.Errorf("compaction scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	fresh, err := openSegmentFile(tmpDir, seg.id, t.maxSegmentSize)
	if err != nil {
		return 0, fmt.Errorf("compaction segment: %w", err)
	}
	for _, k := range survivors {
		if _, err := fresh.append(k.offset, k.ts, k.key, k.value); err != nil {
			fresh.closeUnmap()
			return 0, fmt.Errorf("compaction append: %w", err)
		}
	}
	if err := fresh.seal(); err != nil {
		fresh.closeUnmap()
		return 0, err
	}
	if err := fresh.close(); err != nil {
		return 0, err
	}
	if err := seg.close(); err != nil {
		return 0, err
	}
	if err := os.Rename(segmentFileName(tmpDir, seg.id), segmentFileName(t.dir, seg.id)); err != nil {
		return 0, fmt.Errorf("swap compacted segment: %w", err)
	}

	reopened, err := openSegmentFile(t.dir, seg.id, t.maxSegmentSize)
	if err != nil {
		return 0, fmt.Errorf("reopen compacted segment: %w", err)
	}
	t.scanBounds(reopened)
	t.segments[seg.id] = reopened
	if t.currentSegment == seg {
		t.currentSegment = reopened
	}
	return dropped, nil
}
