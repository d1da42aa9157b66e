package metastore

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ObjectKind tags the payload variant of an object record.
type ObjectKind byte

const (
	// KindInline holds the object bytes inside the record itself.
	KindInline ObjectKind = iota

	// KindSinglePart references an ordered list of blocks written by a
	// plain put.
	KindSinglePart

	// KindMultiPart references the concatenated block lists of a
	// completed multipart upload, and remembers the part count for the
	// ETag suffix.
	KindMultiPart
)

// Object is the record stored under an object key in its bucket
// partition.
type Object struct {
	// Size is the total byte length of the object.
	Size uint64

	// Hash is the object's content identity: MD5 of the byte stream for
	// inline and single-part objects, MD5 of the concatenated part
	// digests for multipart objects.
	Hash BlockID

	CreatedAt time.Time

	Kind ObjectKind

	// Inline holds the object bytes when Kind is KindInline.
	Inline []byte

	// Blocks is the ordered block list when Kind is not KindInline.
	Blocks []BlockID

	// Parts is the part count of a multipart object.
	Parts uint32
}

// NewInlineObject builds an inline object record.
func NewInlineObject(hash BlockID, data []byte) *Object {
	return &Object{
		Size:      uint64(len(data)),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
		Kind:      KindInline,
		Inline:    data,
	}
}

// NewSinglePartObject builds a block-list object record.
func NewSinglePartObject(hash BlockID, size uint64, blocks []BlockID) *Object {
	return &Object{
		Size:      size,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
		Kind:      KindSinglePart,
		Blocks:    blocks,
	}
}

// NewMultiPartObject builds a completed-multipart object record.
func NewMultiPartObject(hash BlockID, size uint64, blocks []BlockID, parts uint32) *Object {
	return &Object{
		Size:      size,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
		Kind:      KindMultiPart,
		Blocks:    blocks,
		Parts:     parts,
	}
}

// ETag is the client-visible object identity: hex of the hash, with a
// part-count suffix for multipart objects.
func (o *Object) ETag() string {
	if o.Kind == KindMultiPart {
		return fmt.Sprintf("%s-%d", o.Hash, o.Parts)
	}
	return o.Hash.String()
}

// DistinctBlocks returns the block list with duplicates removed, in
// first-occurrence order. Repeated BlockIDs in one object count once
// toward the refcount.
func (o *Object) DistinctBlocks() []BlockID {
	seen := make(map[BlockID]struct{}, len(o.Blocks))
	out := make([]BlockID, 0, len(o.Blocks))
	for _, id := range o.Blocks {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// HasBlock reports whether id appears in the object's block list.
func (o *Object) HasBlock(id BlockID) bool {
	for _, b := range o.Blocks {
		if b == id {
			return true
		}
	}
	return false
}

const objectHeader = 8 + 8 + BlockIDSize + 1

// MarshalBinary encodes the record: size, creation seconds, hash, a
// single kind tag byte, then the kind-specific payload.
func (o *Object) MarshalBinary() []byte {
	var payload int
	switch o.Kind {
	case KindInline:
		payload = 4 + len(o.Inline)
	case KindSinglePart:
		payload = 4 + len(o.Blocks)*BlockIDSize
	case KindMultiPart:
		payload = 4 + 4 + len(o.Blocks)*BlockIDSize
	}

	out := make([]byte, objectHeader+payload)
	binary.LittleEndian.PutUint64(out[0:8], o.Size)
	binary.LittleEndian.PutUint64(out[8:16], uint64(o.CreatedAt.Unix()))
	copy(out[16:16+BlockIDSize], o.Hash[:])
	out[objectHeader-1] = byte(o.Kind)

	p := out[objectHeader:]
	switch o.Kind {
	case KindInline:
		binary.LittleEndian.PutUint32(p[0:4], uint32(len(o.Inline)))
		copy(p[4:], o.Inline)
	case KindSinglePart:
		binary.LittleEndian.PutUint32(p[0:4], uint32(len(o.Blocks)))
		writeBlockList(p[4:], o.Blocks)
	case KindMultiPart:
		binary.LittleEndian.PutUint32(p[0:4], o.Parts)
		binary.LittleEndian.PutUint32(p[4:8], uint32(len(o.Blocks)))
		writeBlockList(p[8:], o.Blocks)
	}
	return out
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (o *Object) UnmarshalBinary(data []byte) error {
	if len(data) < objectHeader {
		return ErrCorrupt
	}
	o.Size = binary.LittleEndian.Uint64(data[0:8])
	o.CreatedAt = time.Unix(int64(binary.LittleEndian.Uint64(data[8:16])), 0).UTC()
	copy(o.Hash[:], data[16:16+BlockIDSize])
	o.Kind = ObjectKind(data[objectHeader-1])
	o.Inline = nil
	o.Blocks = nil
	o.Parts = 0

	p := data[objectHeader:]
	switch o.Kind {
	case KindInline:
		if len(p) < 4 {
			return ErrCorrupt
		}
		n := int(binary.LittleEndian.Uint32(p[0:4]))
		if len(p) != 4+n {
			return ErrCorrupt
		}
		o.Inline = append([]byte(nil), p[4:]...)
	case KindSinglePart:
		blocks, err := readBlockList(p)
		if err != nil {
			return err
		}
		o.Blocks = blocks
	case KindMultiPart:
		if len(p) < 4 {
			return ErrCorrupt
		}
		o.Parts = binary.LittleEndian.Uint32(p[0:4])
		blocks, err := readBlockList(p[4:])
		if err != nil {
			return err
		}
		o.Blocks = blocks
	default:
		return ErrCorrupt
	}
	return nil
}

func writeBlockList(dst []byte, blocks []BlockID) {
	for i, id := range blocks {
		copy(dst[i*BlockIDSize:], id[:])
	}
}

func readBlockList(p []byte) ([]BlockID, error) {
	if len(p) < 4 {
		return nil, ErrCorrupt
	}
	n := int(binary.LittleEndian.Uint32(p[0:4]))
	if len(p) != 4+n*BlockIDSize {
		return nil, ErrCorrupt
	}
	blocks := make([]BlockID, n)
	for i := range blocks {
		copy(blocks[i][:], p[4+i*BlockIDSize:])
	}
	return blocks, nil
}
