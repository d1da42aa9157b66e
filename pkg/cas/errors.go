package cas

import (
	"github.com/threefoldtech/s3-cas/pkg/metastore"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	// ErrNoSuchKey is returned when the addressed object does not exist.
	ErrNoSuchKey errString = "no such key"

	// ErrNoSuchUpload is returned when the addressed multipart upload
	// has no recorded parts.
	ErrNoSuchUpload errString = "no such upload"

	// ErrInvalidPart is returned when a part named on completion was
	// never uploaded.
	ErrInvalidPart errString = "invalid part"

	// ErrInvalidPartOrder is returned when completion part numbers are
	// not contiguous ascending from 1.
	ErrInvalidPartOrder errString = "invalid part order"

	// ErrMissingContentLength is returned when an operation requires a
	// declared content length and none was given.
	ErrMissingContentLength errString = "missing content length"

	// ErrInvalidArgument is returned on malformed caller input.
	ErrInvalidArgument errString = "invalid argument"
)

// Bucket and corruption errors are shared with the metadata layer.
const (
	ErrNoSuchBucket        = metastore.ErrNoSuchBucket
	ErrBucketAlreadyExists = metastore.ErrBucketAlreadyExists
	ErrCorrupt             = metastore.ErrCorrupt
)
