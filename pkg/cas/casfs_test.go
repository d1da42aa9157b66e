package cas

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threefoldtech/s3-cas/pkg/metastore"
)

const testBlockSize = 1024

func newTestFS(t *testing.T, opts ...Option) *CasFS {
	t.Helper()
	base := t.TempDir()
	all := append([]Option{
		MetaRoot(filepath.Join(base, "meta")),
		FsRoot(filepath.Join(base, "blocks")),
		BlockSize(testBlockSize),
	}, opts...)
	fs, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func randomBytes(n int) []byte {
	return seededBytes(n, int64(n)+42)
}

func seededBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rnd := rand.New(rand.NewSource(seed))
	rnd.Read(data)
	return data
}

// chunkIDs computes the expected BlockIDs of data under the test block
// size.
func chunkIDs(data []byte) []metastore.BlockID {
	var ids []metastore.BlockID
	for len(data) > 0 {
		n := testBlockSize
		if n > len(data) {
			n = len(data)
		}
		ids = append(ids, contentMD5(data[:n]))
		data = data[n:]
	}
	return ids
}

func rcOf(t *testing.T, fs *CasFS, id metastore.BlockID) uint64 {
	t.Helper()
	blk, err := fs.meta.GetBlock(id)
	require.NoError(t, err)
	if blk == nil {
		return 0
	}
	return blk.RC
}

func diskFiles(t *testing.T, fs *CasFS) []string {
	t.Helper()
	keys, err := fs.pool.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func readAll(t *testing.T, fs *CasFS, bucket, key string, rng Range) []byte {
	t.Helper()
	rd, _, err := fs.GetObject(context.Background(), bucket, key, rng)
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	return data
}

func TestPutGetRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	data := randomBytes(10 * testBlockSize)
	info, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), info.Size)
	require.Equal(t, contentMD5(data).String(), info.ETag)

	require.Equal(t, data, readAll(t, fs, "b", "k", RangeAll()))
	require.Len(t, diskFiles(t, fs), 10)
}

func TestPutShortLastChunk(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	data := randomBytes(2*testBlockSize + 511)
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.Equal(t, data, readAll(t, fs, "b", "k", RangeAll()))
	require.Len(t, diskFiles(t, fs), 3)
}

func TestCreateBucketValidation(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()

	require.ErrorIs(t, fs.CreateBucket(ctx, ""), ErrInvalidArgument)
	require.ErrorIs(t, fs.CreateBucket(ctx, "_BLOCKS"), ErrInvalidArgument)

	require.NoError(t, fs.CreateBucket(ctx, "b"))
	require.ErrorIs(t, fs.CreateBucket(ctx, "b"), ErrBucketAlreadyExists)
}

func TestPutMissingBucket(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.PutObject(context.Background(), "nope", "k", bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, ErrNoSuchBucket)
}

func TestGetMissingKey(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	_, _, err := fs.GetObject(ctx, "b", "nope", RangeAll())
	require.ErrorIs(t, err, ErrNoSuchKey)

	_, err = fs.HeadObject(ctx, "b", "nope")
	require.ErrorIs(t, err, ErrNoSuchKey)
}

func TestInlineTiny(t *testing.T) {
	fs := newTestFS(t, InlineThreshold(4096))
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)

	obj, err := fs.meta.GetObject("b", "k")
	require.NoError(t, err)
	require.Equal(t, metastore.KindInline, obj.Kind)
	require.Empty(t, obj.Blocks)

	// the block tree stays untouched
	_, blocks, paths, err := fs.NumKeys()
	require.NoError(t, err)
	require.Zero(t, blocks)
	require.Zero(t, paths)
	require.Empty(t, diskFiles(t, fs))

	require.Equal(t, []byte("hello"), readAll(t, fs, "b", "k", RangeAll()))

	head, err := fs.HeadObject(ctx, "b", "k")
	require.NoError(t, err)
	require.Equal(t, uint64(5), head.Size)
	require.Equal(t, contentMD5([]byte("hello")).String(), head.ETag)
}

func TestInlineBoundary(t *testing.T) {
	const threshold = 512
	fs := newTestFS(t, InlineThreshold(threshold))
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	at := randomBytes(threshold)
	_, err := fs.PutObject(ctx, "b", "at", bytes.NewReader(at), int64(len(at)))
	require.NoError(t, err)

	over := randomBytes(threshold + 1)
	_, err = fs.PutObject(ctx, "b", "over", bytes.NewReader(over), int64(len(over)))
	require.NoError(t, err)

	objAt, err := fs.meta.GetObject("b", "at")
	require.NoError(t, err)
	require.Equal(t, metastore.KindInline, objAt.Kind)

	objOver, err := fs.meta.GetObject("b", "over")
	require.NoError(t, err)
	require.Equal(t, metastore.KindSinglePart, objOver.Kind)
	require.NotEmpty(t, objOver.Blocks)

	require.Equal(t, at, readAll(t, fs, "b", "at", RangeAll()))
	require.Equal(t, over, readAll(t, fs, "b", "over", RangeAll()))
}

func TestInlineDisabled(t *testing.T) {
	fs := newTestFS(t) // threshold 0
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader([]byte("tiny")), 4)
	require.NoError(t, err)

	obj, err := fs.meta.GetObject("b", "k")
	require.NoError(t, err)
	require.Equal(t, metastore.KindSinglePart, obj.Kind)
}

func TestDedupTwoReferents(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b1"))
	require.NoError(t, fs.CreateBucket(ctx, "b2"))

	data := randomBytes(4 * testBlockSize)
	_, err := fs.PutObject(ctx, "b1", "k1", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	_, err = fs.PutObject(ctx, "b2", "k2", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	// one file per chunk, each referenced twice
	require.Len(t, diskFiles(t, fs), 4)
	for _, id := range chunkIDs(data) {
		require.Equal(t, uint64(2), rcOf(t, fs, id))
	}

	// deleting one referent decrements, files stay
	require.NoError(t, fs.DeleteObject(ctx, "b1", "k1"))
	for _, id := range chunkIDs(data) {
		require.Equal(t, uint64(1), rcOf(t, fs, id))
	}
	require.Len(t, diskFiles(t, fs), 4)
	require.Equal(t, data, readAll(t, fs, "b2", "k2", RangeAll()))

	// deleting the last referent removes records and files
	require.NoError(t, fs.DeleteObject(ctx, "b2", "k2"))
	for _, id := range chunkIDs(data) {
		require.Zero(t, rcOf(t, fs, id))
	}
	require.Empty(t, diskFiles(t, fs))
}

func TestRepeatedChunksCountOnce(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	// four identical chunks: one block, rc 1
	chunk := randomBytes(testBlockSize)
	data := bytes.Repeat(chunk, 4)
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	id := contentMD5(chunk)
	require.Equal(t, uint64(1), rcOf(t, fs, id))
	require.Len(t, diskFiles(t, fs), 1)

	require.Equal(t, data, readAll(t, fs, "b", "k", RangeAll()))

	require.NoError(t, fs.DeleteObject(ctx, "b", "k"))
	require.Zero(t, rcOf(t, fs, id))
	require.Empty(t, diskFiles(t, fs))
}

func TestOverwriteShrinks(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	big := randomBytes(3 * testBlockSize)
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(big), int64(len(big)))
	require.NoError(t, err)
	for _, id := range chunkIDs(big) {
		require.Equal(t, uint64(1), rcOf(t, fs, id))
	}

	small := randomBytes(1 * testBlockSize)
	_, err = fs.PutObject(ctx, "b", "k", bytes.NewReader(small), int64(len(small)))
	require.NoError(t, err)

	// the previous value's blocks are gone from the trees and the disk
	for _, id := range chunkIDs(big) {
		require.Zero(t, rcOf(t, fs, id))
	}
	require.Equal(t, uint64(1), rcOf(t, fs, chunkIDs(small)[0]))
	require.Len(t, diskFiles(t, fs), 1)

	_, blocks, paths, err := fs.NumKeys()
	require.NoError(t, err)
	require.Equal(t, 1, blocks)
	require.Equal(t, 1, paths)

	require.Equal(t, small, readAll(t, fs, "b", "k", RangeAll()))
}

func TestOverwriteKeepsSharedChunks(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	shared := randomBytes(testBlockSize)
	first := append(append([]byte{}, shared...), seededBytes(testBlockSize, 7)...)
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(first), int64(len(first)))
	require.NoError(t, err)

	second := append(append([]byte{}, shared...), randomBytes(2*testBlockSize)...)
	_, err = fs.PutObject(ctx, "b", "k", bytes.NewReader(second), int64(len(second)))
	require.NoError(t, err)

	// the shared chunk kept exactly one reference through the overwrite
	require.Equal(t, uint64(1), rcOf(t, fs, contentMD5(shared)))
	require.Equal(t, second, readAll(t, fs, "b", "k", RangeAll()))
}

// refcountTotal sums rc over the block tree and distinct block counts
// over live objects; the two must always agree.
func refcountTotal(t *testing.T, fs *CasFS, objects [][2]string) (rcSum, refSum uint64) {
	t.Helper()
	require.NoError(t, fs.meta.WalkBlocks(func(_ metastore.BlockID, blk metastore.Block) (bool, error) {
		rcSum += blk.RC
		return true, nil
	}))
	for _, bk := range objects {
		obj, err := fs.meta.GetObject(bk[0], bk[1])
		require.NoError(t, err)
		if obj != nil && obj.Kind != metastore.KindInline {
			refSum += uint64(len(obj.DistinctBlocks()))
		}
	}
	return
}

func TestRefcountTotalInvariant(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	data1 := randomBytes(3 * testBlockSize)
	data2 := randomBytes(5 * testBlockSize)

	keys := [][2]string{{"b", "k1"}, {"b", "k2"}, {"b", "k3"}}

	_, err := fs.PutObject(ctx, "b", "k1", bytes.NewReader(data1), int64(len(data1)))
	require.NoError(t, err)
	_, err = fs.PutObject(ctx, "b", "k2", bytes.NewReader(data1), int64(len(data1)))
	require.NoError(t, err)
	_, err = fs.PutObject(ctx, "b", "k3", bytes.NewReader(data2), int64(len(data2)))
	require.NoError(t, err)

	rcSum, refSum := refcountTotal(t, fs, keys)
	require.Equal(t, refSum, rcSum)

	// overwrite and delete, invariant must hold at every step
	_, err = fs.PutObject(ctx, "b", "k2", bytes.NewReader(data2), int64(len(data2)))
	require.NoError(t, err)
	rcSum, refSum = refcountTotal(t, fs, keys)
	require.Equal(t, refSum, rcSum)

	require.NoError(t, fs.DeleteObject(ctx, "b", "k1"))
	rcSum, refSum = refcountTotal(t, fs, keys)
	require.Equal(t, refSum, rcSum)

	require.NoError(t, fs.DeleteObject(ctx, "b", "k3"))
	rcSum, refSum = refcountTotal(t, fs, keys)
	require.Equal(t, refSum, rcSum)
}

func TestRangeReadAcrossBlocks(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	data := randomBytes(2*testBlockSize + testBlockSize/2)
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	lo := uint64(1000)
	hi := uint64(2500)
	got := readAll(t, fs, "b", "k", NewRange(lo, hi))
	require.Equal(t, data[lo:hi+1], got)
	require.Len(t, got, int(hi-lo+1))
}

func TestRangeRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	data := randomBytes(3 * testBlockSize)
	size := uint64(len(data))
	_, err := fs.PutObject(ctx, "b", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	cases := []struct {
		name string
		rng  Range
		want []byte
	}{
		{"all", RangeAll(), data},
		{"first byte", NewRange(0, 0), data[:1]},
		{"within block", NewRange(10, 100), data[10:101]},
		{"across boundary", NewRange(testBlockSize - 10, testBlockSize + 10), data[testBlockSize-10 : testBlockSize+11]},
		{"prefix", RangeTo(1500), data[:1500]},
		{"suffix from", RangeFrom(size - 700), data[size-700:]},
		{"suffix last", RangeSuffix(300), data[size-300:]},
		{"clamped high", NewRange(size - 5, size + 100), data[size-5:]},
		{"past end", NewRange(size, size+10), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := readAll(t, fs, "b", "k", tc.rng)
			if len(tc.want) == 0 {
				require.Empty(t, got)
				return
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestBucketCascade(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	for i := 0; i < 10; i++ {
		data := randomBytes(testBlockSize + i) // unique content per key
		key := string(rune('a' + i))
		_, err := fs.PutObject(ctx, "b", key, bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
	}

	require.NoError(t, fs.DeleteBucket(ctx, "b"))

	exists, err := fs.BucketExists(ctx, "b")
	require.NoError(t, err)
	require.False(t, exists)

	buckets, blocks, paths, err := fs.NumKeys()
	require.NoError(t, err)
	require.Zero(t, buckets)
	require.Zero(t, blocks)
	require.Zero(t, paths)
	require.Empty(t, diskFiles(t, fs))
}

func TestDeleteAbsentObject(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))
	require.NoError(t, fs.DeleteObject(ctx, "b", "nope"))
}

func TestCopyObject(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "src"))
	require.NoError(t, fs.CreateBucket(ctx, "dst"))

	data := randomBytes(2 * testBlockSize)
	_, err := fs.PutObject(ctx, "src", "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	info, err := fs.CopyObject(ctx, "src", "k", "dst", "k2")
	require.NoError(t, err)
	require.Equal(t, contentMD5(data).String(), info.ETag)

	for _, id := range chunkIDs(data) {
		require.Equal(t, uint64(2), rcOf(t, fs, id))
	}
	require.Len(t, diskFiles(t, fs), 2)

	// source removal leaves the copy intact
	require.NoError(t, fs.DeleteObject(ctx, "src", "k"))
	require.Equal(t, data, readAll(t, fs, "dst", "k2", RangeAll()))
	for _, id := range chunkIDs(data) {
		require.Equal(t, uint64(1), rcOf(t, fs, id))
	}
}

func TestListObjectsPaging(t *testing.T) {
	fs := newTestFS(t, InlineThreshold(64))
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	for _, key := range []string{"x/1", "x/2", "y/1", "y/2", "y/3"} {
		_, err := fs.PutObject(ctx, "b", key, bytes.NewReader([]byte(key)), int64(len(key)))
		require.NoError(t, err)
	}

	page, err := fs.ListObjects(ctx, "b", ListObjectsInput{MaxKeys: 3})
	require.NoError(t, err)
	require.Len(t, page.Objects, 3)
	require.True(t, page.Truncated)

	page2, err := fs.ListObjects(ctx, "b", ListObjectsInput{MaxKeys: 3, ContinuationToken: page.NextContinuationToken})
	require.NoError(t, err)
	require.Len(t, page2.Objects, 2)
	require.False(t, page2.Truncated)
	require.Equal(t, "y/2", page2.Objects[0].Key)

	only, err := fs.ListObjects(ctx, "b", ListObjectsInput{Prefix: "x/"})
	require.NoError(t, err)
	require.Len(t, only.Objects, 2)
}

func TestEmptyObject(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, fs.CreateBucket(ctx, "b"))

	_, err := fs.PutObject(ctx, "b", "empty", bytes.NewReader(nil), -1)
	require.NoError(t, err)

	require.Empty(t, readAll(t, fs, "b", "empty", RangeAll()))

	head, err := fs.HeadObject(ctx, "b", "empty")
	require.NoError(t, err)
	require.Zero(t, head.Size)
	require.Equal(t, contentMD5(nil).String(), head.ETag)
}
