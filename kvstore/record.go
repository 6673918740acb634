package kvstore

import (
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/rarydzu/monostore/utils"
)

const (
	Tombstoned = iota + 1
	headerSize = 13
	metaSize   = 17
)

// Record is the stored form of a value: flags, hash of its key, value and CRC32
type Record struct {
	Flags int8
	Key   uint64
	Value []byte
}

func setBit(n int8, pos uint) int8 {
	n |= (1 << pos)
	return n
}

func clearBit(n int8, pos uint) int8 {
	mask := int8(^(1 << pos))
	n &= mask
	return n
}

func hasBit(n int8, pos uint) bool {
	val := n & (1 << pos)
	return (val > 0)
}

// KeyHash returns the hash stored in records of key
func KeyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func NewRecord(key []byte, value []byte) *Record {
	return &Record{Key: KeyHash(key), Value: value}
}

func (r *Record) IsTombstoned() bool {
	return hasBit(r.Flags, Tombstoned)
}

func (r *Record) Tombstone() {
	r.Flags = setBit(r.Flags, Tombstoned)
}

func (r *Record) Untombstone() {
	r.Flags = clearBit(r.Flags, Tombstoned)
}

func (r *Record) CalculateCRC(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func (r *Record) Encode() []byte {
	buf := make([]byte, metaSize+len(r.Value)) // 1 + 8 + 4 + len(value) + 4
	buf[0] = byte(r.Flags)
	valueLen := uint32(len(r.Value))
	copy(buf[1:9], utils.Uint64ToBytes(r.Key))
	copy(buf[9:13], utils.Uint32ToBytes(valueLen))
	valEndPos := headerSize + valueLen
	copy(buf[headerSize:valEndPos], r.Value)
	crc := r.CalculateCRC(buf[0:valEndPos])
	copy(buf[valEndPos:], utils.Uint32ToBytes(crc))
	return buf
}

func (r *Record) Decode(data []byte) error {
	if len(data) < metaSize {
		return fmt.Errorf("%w: record of %d bytes", ErrCorrupted, len(data))
	}
	valueLen := utils.BytesToUint32(data[9:13])
	if uint64(len(data)) != uint64(metaSize)+uint64(valueLen) {
		return fmt.Errorf("%w: value length %d in record of %d bytes", ErrCorrupted, valueLen, len(data))
	}
	valEndPos := headerSize + valueLen
	crc32 := utils.BytesToUint32(data[valEndPos : valEndPos+4])
	crc := r.CalculateCRC(data[0:valEndPos])
	if crc != crc32 {
		return fmt.Errorf("%w: CRC check failed %d != %d", ErrCorrupted, crc, crc32)
	}
	r.Flags = int8(data[0])
	r.Key = utils.BytesToUint64(data[1:9])
	r.Value = data[headerSize:valEndPos]
	return nil
}

// decodeValue decodes data stored under key
func decodeValue(key, data []byte) ([]byte, error) {
	var r Record
	if err := r.Decode(data); err != nil {
		return nil, err
	}
	if r.Key != KeyHash(key) {
		return nil, fmt.Errorf("%w: record stored under %q belongs to another key", ErrCorrupted, key)
	}
	return r.Value, nil
}
