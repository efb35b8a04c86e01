package txlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"
)

const (
	flagActive uint32 = 1 << iota
	flagSealed
)

const (
	segmentHeaderSize = 64
	// "CTLG"
	segmentMagicNumber   = 0x43544C47
	segmentHeaderVersion = 1

	// crc(4) + keyLen(4) + valLen(4) + offset(8) + unixMilli(8)
	recordHeaderSize = 28
	// marker written after every record to detect torn writes; recovery
	// stops at the first record whose trailer is missing or corrupt.
	recordTrailerSize = 4

	defaultSegmentSize = 16 * 1024 * 1024
	segmentExt         = ".seg"
	fileModePerm       = 0644
)

var trailerCanary = []byte{0xDE, 0xAD, 0xBE, 0xEF}

var (
	ErrSegmentClosed  = errors.New("segment file is closed")
	ErrInvalidCRC     = errors.New("invalid crc, the record may be corrupted")
	ErrCorruptHeader  = errors.New("corrupt record header")
	ErrTornWrite      = errors.New("incomplete or torn write detected at record trailer")
	ErrSegmentSealed  = errors.New("cannot write to sealed segment")
	ErrSegmentFull    = errors.New("write exceeds segment capacity")
	ErrCorruptSegMeta = errors.New("segment metadata corrupted")
)

type segmentID = uint32

// segment is a fixed-capacity, memory-mapped topic file. Records are
// appended through the mapping; the 64-byte header tracks the write offset,
// the record count and the sealed flag, all protected by a CRC.
type segment struct {
	id          segmentID
	fd          *os.File
	mmapData    mmap.MMap
	mmapSize    int64
	writeOffset atomic.Int64
	closed      atomic.Bool

	// logical bounds of the records stored here, maintained by the topic.
	firstOffset atomic.Int64
	lastOffset  atomic.Int64

	writeMu sync.RWMutex
}

func segmentFileName(dir string, id segmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%09d%s", id, segmentExt))
}

func openSegmentFile(dir string, id segmentID, size int64) (*segment, error) {
	path := segmentFileName(dir, id)
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if statErr != nil && !isNew {
		return nil, fmt.Errorf("stat segment: %w", statErr)
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		return nil, fmt.Errorf("truncate segment: %w", err)
	}
	mmapData, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	s := &segment{
		id:       id,
		fd:       fd,
		mmapData: mmapData,
		mmapSize: size,
	}
	s.firstOffset.Store(-1)
	s.lastOffset.Store(-1)

	writeOff := int64(segmentHeaderSize)
	if isNew {
		s.writeInitialMetadata()
	} else {
		meta, err := s.decodeMetadata()
		if err != nil {
			s.closeUnmap()
			return nil, err
		}
		if meta.flags&flagSealed != 0 {
			writeOff = meta.writeOffset
		} else {
			// do not trust the header offset of an unsealed segment after a
			// crash; scan to the last record with an intact trailer.
			writeOff = s.scanForLastOffset(path)
		}
	}
	s.writeOffset.Store(writeOff)
	return s, nil
}

type segmentMeta struct {
	writeOffset int64
	entryCount  int64
	flags       uint32
}

func (s *segment) decodeMetadata() (segmentMeta, error) {
	buf := s.mmapData[:segmentHeaderSize]
	crc := binary.LittleEndian.Uint32(buf[56:60])
	if computed := crc32.ChecksumIEEE(buf[0:56]); crc != computed {
		return segmentMeta{}, fmt.Errorf("%w: crc %08x want %08x", ErrCorruptSegMeta, computed, crc)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != segmentMagicNumber {
		return segmentMeta{}, fmt.Errorf("%w: bad magic %08x", ErrCorruptSegMeta, magic)
	}
	return segmentMeta{
		writeOffset: int64(binary.LittleEndian.Uint64(buf[24:32])),
		entryCount:  int64(binary.LittleEndian.Uint64(buf[32:40])),
		flags:       binary.LittleEndian.Uint32(buf[40:44]),
	}, nil
}

func (s *segment) writeInitialMetadata() {
	buf := s.mmapData
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], segmentHeaderVersion)
	now := uint64(time.Now().UnixNano())
	binary.LittleEndian.PutUint64(buf[8:16], now)
	binary.LittleEndian.PutUint64(buf[16:24], now)
	binary.LittleEndian.PutUint64(buf[24:32], segmentHeaderSize)
	binary.LittleEndian.PutUint64(buf[32:40], 0)
	binary.LittleEndian.PutUint32(buf[40:44], flagActive)
	binary.LittleEndian.PutUint32(buf[56:60], crc32.ChecksumIEEE(buf[0:56]))
}

func (s *segment) updateMetadata(writeOff int64, addEntries int64) {
	buf := s.mmapData
	binary.LittleEndian.PutUint64(buf[24:32], uint64(writeOff))
	prev := binary.LittleEndian.Uint64(buf[32:40])
	binary.LittleEndian.PutUint64(buf[32:40], prev+uint64(addEntries))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(buf[56:60], crc32.ChecksumIEEE(buf[0:56]))
}

func (s *segment) flags() uint32 {
	s.writeMu.RLock()
	defer s.writeMu.RUnlock()
	return binary.LittleEndian.Uint32(s.mmapData[40:44])
}

func (s *segment) sealed() bool {
	return s.flags()&flagSealed != 0
}

func (s *segment) seal() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrSegmentClosed
	}
	buf := s.mmapData
	binary.LittleEndian.PutUint64(buf[24:32], uint64(s.writeOffset.Load()))
	flags := binary.LittleEndian.Uint32(buf[40:44])
	flags &^= flagActive
	flags |= flagSealed
	binary.LittleEndian.PutUint32(buf[40:44], flags)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(buf[56:60], crc32.ChecksumIEEE(buf[0:56]))
	return nil
}

func recordSize(keyLen, valLen int) int64 {
	return int64(recordHeaderSize + keyLen + valLen + recordTrailerSize)
}

func (s *segment) willExceed(keyLen, valLen int) bool {
	return s.writeOffset.Load()+recordSize(keyLen, valLen) > s.mmapSize
}

// append writes one record through the mapping and returns its byte offset.
func (s *segment) append(offset int64, ts int64, key, value []byte) (int64, error) {
	if s.closed.Load() {
		return 0, ErrSegmentClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if binary.LittleEndian.Uint32(s.mmapData[40:44])&flagSealed != 0 {
		return 0, ErrSegmentSealed
	}

	byteOff := s.writeOffset.Load()
	size := recordSize(len(key), len(value))
	if byteOff+size > s.mmapSize {
		return 0, ErrSegmentFull
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(value)))
	binary.LittleEndian.PutUint64(header[12:20], uint64(offset))
	binary.LittleEndian.PutUint64(header[20:28], uint64(ts))
	binary.LittleEndian.PutUint32(header[0:4], recordChecksum(header[4:], key, value))

	copy(s.mmapData[byteOff:], header[:])
	copy(s.mmapData[byteOff+recordHeaderSize:], key)
	copy(s.mmapData[byteOff+recordHeaderSize+int64(len(key)):], value)
	copy(s.mmapData[byteOff+size-recordTrailerSize:], trailerCanary)

	s.writeOffset.Store(byteOff + size)
	s.updateMetadata(byteOff+size, 1)

	if s.firstOffset.Load() < 0 {
		s.firstOffset.Store(offset)
	}
	s.lastOffset.Store(offset)
	return byteOff, nil
}

type segmentRecord struct {
	offset int64
	time   int64
	key    []byte
	value  []byte
}

// readAt decodes the record at the given byte offset.
// The returned slices alias the memory-mapped file; callers that retain the
// data past the segment lifetime must copy it.
func (s *segment) readAt(byteOff int64) (segmentRecord, int64, error) {
	if s.closed.Load() {
		return segmentRecord{}, 0, ErrSegmentClosed
	}
	end := s.writeOffset.Load()
	if byteOff+recordHeaderSize > end {
		return segmentRecord{}, 0, io.EOF
	}

	header := s.mmapData[byteOff : byteOff+recordHeaderSize]
	keyLen := int64(binary.LittleEndian.Uint32(header[4:8]))
	valLen := int64(binary.LittleEndian.Uint32(header[8:12]))
	size := recordSize(int(keyLen), int(valLen))
	if byteOff+size > end {
		return segmentRecord{}, 0, io.EOF
	}

	key := s.mmapData[byteOff+recordHeaderSize : byteOff+recordHeaderSize+keyLen]
	value := s.mmapData[byteOff+recordHeaderSize+keyLen : byteOff+recordHeaderSize+keyLen+valLen]
	trailer := s.mmapData[byteOff+size-recordTrailerSize : byteOff+size]

	saved := binary.LittleEndian.Uint32(header[0:4])
	if computed := recordChecksum(header[4:], key, value); saved != computed {
		return segmentRecord{}, 0, ErrInvalidCRC
	}
	if !bytes.Equal(trailer, trailerCanary) {
		return segmentRecord{}, 0, ErrTornWrite
	}

	rec := segmentRecord{
		offset: int64(binary.LittleEndian.Uint64(header[12:20])),
		time:   int64(binary.LittleEndian.Uint64(header[20:28])),
		key:    key,
		value:  value,
	}
	return rec, byteOff + size, nil
}

// scanForLastOffset walks the records of an unsealed segment and returns the
// byte offset just past the last record with an intact CRC and trailer. It
// also restores the logical offset bounds.
func (s *segment) scanForLastOffset(path string) int64 {
	byteOff := int64(segmentHeaderSize)
	for byteOff+recordHeaderSize <= s.mmapSize {
		header := s.mmapData[byteOff : byteOff+recordHeaderSize]
		saved := binary.LittleEndian.Uint32(header[0:4])
		keyLen := int64(binary.LittleEndian.Uint32(header[4:8]))
		valLen := int64(binary.LittleEndian.Uint32(header[8:12]))
		size := recordSize(int(keyLen), int(valLen))
		if saved == 0 && keyLen == 0 && valLen == 0 {
			break
		}
		if byteOff+size > s.mmapSize {
			break
		}
		key := s.mmapData[byteOff+recordHeaderSize : byteOff+recordHeaderSize+keyLen]
		value := s.mmapData[byteOff+recordHeaderSize+keyLen : byteOff+recordHeaderSize+keyLen+valLen]
		trailer := s.mmapData[byteOff+size-recordTrailerSize : byteOff+size]
		if computed := recordChecksum(header[4:], key, value); saved != computed || !bytes.Equal(trailer, trailerCanary) {
			slog.Warn("[chronostore.txlog]",
				slog.String("event_type", "segment.recovery.stopped.checksum.mismatch"),
				slog.Int64("byte_offset", byteOff),
				slog.String("segment", path),
			)
			break
		}
		logical := int64(binary.LittleEndian.Uint64(header[12:20]))
		if s.firstOffset.Load() < 0 {
			s.firstOffset.Store(logical)
		}
		s.lastOffset.Store(logical)
		byteOff += size
	}
	return byteOff
}

func (s *segment) sync() error {
	if s.closed.Load() {
		return ErrSegmentClosed
	}
	if err := s.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush: %w", err)
	}
	if err := s.fd.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

func (s *segment) msync() error {
	if s.closed.Load() {
		return ErrSegmentClosed
	}
	if err := s.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush: %w", err)
	}
	return nil
}

func (s *segment) closeUnmap() {
	_ = s.mmapData.Unmap()
	_ = s.fd.Close()
}

func (s *segment) close() error {
	if s.closed.Load() {
		return nil
	}
	if err := s.sync(); err != nil {
		s.closeUnmap()
		return fmt.Errorf("sync during close: %w", err)
	}
	s.closed.Store(true)
	if err := s.mmapData.Unmap(); err != nil {
		_ = s.fd.Close()
		return fmt.Errorf("unmap: %w", err)
	}
	if err := s.fd.Close(); err != nil {
		return fmt.Errorf("close segment file: %w", err)
	}
	return nil
}

func recordChecksum(header, key, value []byte) uint32 {
	sum := crc32.ChecksumIEEE(header)
	sum = crc32.Update(sum, crc32.IEEETable, key)
	return crc32.Update(sum, crc32.IEEETable, value)
}
