package cas

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threefoldtech/s3-cas/pkg/metastore"
)

// maxPartNumber is the highest part number accepted, S3-compatible.
const maxPartNumber = 10000

// CreateMultipart starts a multipart upload and returns its upload id.
// No metadata is written until the first part arrives.
func (fs *CasFS) CreateMultipart(ctx context.Context, bucket, key string) (string, error) {
	fs.m.APICall("create_multipart")
	if key == "" {
		return "", fmt.Errorf("%w: object key is required", ErrInvalidArgument)
	}
	exists, err := fs.meta.BucketExists(bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrNoSuchBucket
	}
	return uuid.New().String(), nil
}

// UploadPart stores one part of a multipart upload: the part's bytes
// land in the block pool through the ordinary chunk pipeline, but no
// object record is written; the block list and part digest are staged
// in the multipart tree instead. Re-uploading a part number replaces
// the staged part. Returns the part's ETag (hex of its MD5).
func (fs *CasFS) UploadPart(ctx context.Context, bucket, key, uploadID string, number int, r io.Reader) (string, error) {
	fs.m.APICall("upload_part")
	if number < 1 || number > maxPartNumber {
		return "", fmt.Errorf("%w: part number %d", ErrInvalidArgument, number)
	}
	exists, err := fs.meta.BucketExists(bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrNoSuchBucket
	}

	ids, hash, size, err := fs.storeBytes(ctx, r, nil)
	if err != nil {
		return "", err
	}

	pk := metastore.PartKey{Bucket: bucket, Key: key, UploadID: uploadID, Number: number}
	old, err := fs.meta.GetPart(pk)
	if err != nil {
		return "", err
	}

	err = fs.meta.InsertPart(pk, &metastore.Part{Size: size, Hash: hash, Blocks: ids})
	if err != nil {
		return "", err
	}

	if old != nil {
		// replaced part: drop the references the previous upload held
		released, rerr := fs.meta.ReleaseBlocks(distinctIDs(old.Blocks))
		if rerr != nil {
			fs.l.Warn("could not release replaced part blocks",
				zap.String("upload", uploadID), zap.Int("part", number), zap.Error(rerr))
		}
		fs.removeBlockFiles(ctx, released)
	}

	fs.l.Debug("part uploaded", zap.String("bucket", bucket), zap.String("key", key),
		zap.String("upload", uploadID), zap.Int("part", number), zap.Uint64("size", size))
	return hash.String(), nil
}

// CompleteMultipart assembles the staged parts into the final object.
// Part numbers must be contiguous ascending from 1; a named part that
// was never uploaded fails the completion and leaves the staged parts
// untouched. The object hash is the MD5 of the concatenated part
// digests and the ETag carries the part count suffix. Multipart
// objects are never inlined.
func (fs *CasFS) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []int) (*ObjectInfo, error) {
	fs.m.APICall("complete_multipart")
	if len(parts) == 0 {
		return nil, ErrInvalidPartOrder
	}
	for i, n := range parts {
		if n != i+1 {
			return nil, ErrInvalidPartOrder
		}
	}

	recorded, err := fs.meta.PartsForUpload(bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(recorded) == 0 {
		return nil, ErrNoSuchUpload
	}
	byNumber := make(map[int]*metastore.Part, len(recorded))
	for i := range recorded {
		byNumber[recorded[i].Number] = &recorded[i].Part
	}

	staged := make([]*metastore.Part, 0, len(parts))
	for _, n := range parts {
		part, ok := byNumber[n]
		if !ok {
			return nil, fmt.Errorf("%w: part %d of upload %s", ErrInvalidPart, n, uploadID)
		}
		staged = append(staged, part)
	}

	var (
		blocks  []metastore.BlockID
		size    uint64
		digests []byte
		// refs staged per block: each part's write took one reference
		// per distinct block it contains
		refs = make(map[metastore.BlockID]int)
	)
	for _, part := range staged {
		blocks = append(blocks, part.Blocks...)
		size += part.Size
		digests = append(digests, part.Hash[:]...)
		for _, id := range distinctIDs(part.Blocks) {
			refs[id]++
		}
	}

	old, err := fs.meta.GetObject(bucket, key)
	if err != nil {
		return nil, err
	}

	obj := metastore.NewMultiPartObject(contentMD5(digests), size, blocks, uint32(len(parts)))
	info, err := fs.finishPut(ctx, bucket, key, obj, old)
	if err != nil {
		return nil, err
	}

	// The object references each distinct block once; parts sharing a
	// block staged extra references that must be dropped.
	var surplus []metastore.BlockID
	for id, n := range refs {
		for ; n > 1; n-- {
			surplus = append(surplus, id)
		}
	}
	if len(surplus) > 0 {
		released, rerr := fs.meta.ReleaseBlocks(surplus)
		if rerr != nil {
			fs.l.Warn("could not release duplicate part references",
				zap.String("upload", uploadID), zap.Error(rerr))
		}
		fs.removeBlockFiles(ctx, released)
	}

	for _, n := range parts {
		pk := metastore.PartKey{Bucket: bucket, Key: key, UploadID: uploadID, Number: n}
		if derr := fs.meta.DeletePart(pk); derr != nil {
			fs.l.Warn("could not delete part record",
				zap.String("upload", uploadID), zap.Int("part", n), zap.Error(derr))
		}
	}

	fs.l.Info("multipart upload completed", zap.String("bucket", bucket),
		zap.String("key", key), zap.String("upload", uploadID),
		zap.Int("parts", len(parts)), zap.Uint64("size", size))
	return info, nil
}

// AbortMultipart releases every staged part of the upload and removes
// the part records. Aborting an upload with nothing staged is a no-op.
func (fs *CasFS) AbortMultipart(ctx context.Context, bucket, key, uploadID string) error {
	fs.m.APICall("abort_multipart")

	staged, err := fs.meta.PartsForUpload(bucket, key, uploadID)
	if err != nil {
		return err
	}

	for _, np := range staged {
		released, rerr := fs.meta.ReleaseBlocks(distinctIDs(np.Part.Blocks))
		if rerr != nil {
			return rerr
		}
		fs.removeBlockFiles(ctx, released)

		pk := metastore.PartKey{Bucket: bucket, Key: key, UploadID: uploadID, Number: np.Number}
		if derr := fs.meta.DeletePart(pk); derr != nil {
			return derr
		}
	}
	fs.l.Info("multipart upload aborted", zap.String("bucket", bucket),
		zap.String("key", key), zap.String("upload", uploadID), zap.Int("parts", len(staged)))
	return nil
}

func distinctIDs(ids []metastore.BlockID) []metastore.BlockID {
	seen := make(map[metastore.BlockID]struct{}, len(ids))
	out := make([]metastore.BlockID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
