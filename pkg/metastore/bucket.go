package metastore

import (
	"encoding/binary"
	"time"
)

// BucketMeta is the record stored under a bucket name in the _BUCKETS
// partition.
type BucketMeta struct {
	Name      string
	CreatedAt time.Time
}

// NewBucketMeta stamps a bucket record with the current time.
func NewBucketMeta(name string) BucketMeta {
	return BucketMeta{Name: name, CreatedAt: time.Now().UTC()}
}

// MarshalBinary encodes the record: creation time as unsigned seconds
// since epoch, then the length-prefixed name.
func (m *BucketMeta) MarshalBinary() []byte {
	out := make([]byte, 8+2+len(m.Name))
	binary.LittleEndian.PutUint64(out[0:8], uint64(m.CreatedAt.Unix()))
	binary.LittleEndian.PutUint16(out[8:10], uint16(len(m.Name)))
	copy(out[10:], m.Name)
	return out
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (m *BucketMeta) UnmarshalBinary(data []byte) error {
	if len(data) < 10 {
		return ErrCorrupt
	}
	ctime := binary.LittleEndian.Uint64(data[0:8])
	nameLen := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) != 10+nameLen {
		return ErrCorrupt
	}
	m.CreatedAt = time.Unix(int64(ctime), 0).UTC()
	m.Name = string(data[10:])
	return nil
}
