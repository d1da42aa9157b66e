package metastore

import (
	"encoding/binary"
)

// Part is the record stored in the _MULTIPART_PARTS partition for one
// uploaded part of an in-progress multipart upload.
type Part struct {
	// Size is the byte length of the part.
	Size uint64

	// Hash is the MD5 of the part's bytes. The digests of all parts,
	// concatenated in part order, feed the multipart object hash.
	Hash BlockID

	// Blocks is the part's ordered block list.
	Blocks []BlockID
}

// PartKey addresses a part record. The encoding sorts all parts of one
// upload lexicographically adjacent, in ascending part number.
type PartKey struct {
	Bucket   string
	Key      string
	UploadID string
	Number   int
}

// MarshalBinary renders the tuple with NUL separators and a big-endian
// part number so byte order matches numeric order.
func (k PartKey) MarshalBinary() []byte {
	out := make([]byte, 0, len(k.Bucket)+len(k.Key)+len(k.UploadID)+5)
	out = append(out, k.Bucket...)
	out = append(out, 0x00)
	out = append(out, k.Key...)
	out = append(out, 0x00)
	out = append(out, k.UploadID...)
	out = append(out, 0x00)
	var num [2]byte
	binary.BigEndian.PutUint16(num[:], uint16(k.Number))
	return append(out, num[:]...)
}

// UploadPrefix is the key prefix shared by every part of one upload.
func (k PartKey) UploadPrefix() []byte {
	out := make([]byte, 0, len(k.Bucket)+len(k.Key)+len(k.UploadID)+3)
	out = append(out, k.Bucket...)
	out = append(out, 0x00)
	out = append(out, k.Key...)
	out = append(out, 0x00)
	out = append(out, k.UploadID...)
	return append(out, 0x00)
}

const partRecordMin = 8 + BlockIDSize + 4

// MarshalBinary encodes the part record.
func (p *Part) MarshalBinary() []byte {
	out := make([]byte, partRecordMin+len(p.Blocks)*BlockIDSize)
	binary.LittleEndian.PutUint64(out[0:8], p.Size)
	copy(out[8:8+BlockIDSize], p.Hash[:])
	binary.LittleEndian.PutUint32(out[8+BlockIDSize:partRecordMin], uint32(len(p.Blocks)))
	writeBlockList(out[partRecordMin:], p.Blocks)
	return out
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (p *Part) UnmarshalBinary(data []byte) error {
	if len(data) < partRecordMin {
		return ErrCorrupt
	}
	p.Size = binary.LittleEndian.Uint64(data[0:8])
	copy(p.Hash[:], data[8:8+BlockIDSize])
	blocks, err := readBlockList(data[8+BlockIDSize:])
	if err != nil {
		return err
	}
	p.Blocks = blocks
	return nil
}
