package object

import (
	"context"
	"io"

	"tryon-backend/internal/shared/util"
)

// Object describes a stored blob.
type Object struct {
	Key         string
	SizeBytes   int64
	ContentType string
}

// ObjectStore persists generated assets under a per-owner namespace.
type ObjectStore interface {
	// Put stores r as name under owner's namespace. An empty contentType is
	// sniffed from the first bytes.
	Put(ctx context.Context, owner, name, contentType string, r io.Reader) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// OwnerPrefix is the key prefix shared by every object stored for owner.
func OwnerPrefix(owner string) string {
	return util.HashUserKey(owner) + "/"
}
