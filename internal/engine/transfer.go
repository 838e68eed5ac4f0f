package engine

import "context"

// SourceEntry is one item of a source listing. Directories are included so
// the planner can synthesize empty-directory markers.
type SourceEntry struct {
	APath   string
	Size    int64
	ModTime int64  // UTC seconds, 0 if unknown
	Hash    string // "<algo>:<hex>", "" if unknown
	IsDir   bool
}

// DestEntry is one object of a destination listing.
type DestEntry struct {
	RPath   string
	Size    int64
	ModTime int64
	Hash    string
}

// UploadInfo is what the driver learned about an object it just wrote.
type UploadInfo struct {
	ModTime int64
	Hash    string
}

// Transfer is the object-transfer driver the engine drives. Implementations
// wrap a storage backend; every method is a potential blocking point and
// honors the context.
type Transfer interface {
	// ListSource enumerates the source below subdir ("" for all),
	// recursively, streaming entries to fn. fn returning an error aborts
	// the listing.
	ListSource(ctx context.Context, subdir string, fn func(SourceEntry) error) error

	// ListDest enumerates every object under the destination root.
	ListDest(ctx context.Context, fn func(DestEntry) error) error

	// Upload copies a source file to the destination under rpath.
	Upload(ctx context.Context, apath, rpath string) (*UploadInfo, error)

	// CopyDest performs a server-side copy between two destination names.
	CopyDest(ctx context.Context, srcRPath, dstRPath string) error

	// PutSmall writes a small payload (markers, references, sidecars).
	PutSmall(ctx context.Context, rpath string, data []byte) error

	// GetSmall reads a small payload.
	GetSmall(ctx context.Context, rpath string) ([]byte, error)

	// Delete removes a destination object. Deleting an absent object is
	// not an error.
	Delete(ctx context.Context, rpath string) error

	// SupportsServerCopy reports whether CopyDest is available.
	SupportsServerCopy() bool

	// CacheDir returns the driver's local cache directory, under which the
	// engine keeps its index and scratch space.
	CacheDir() (string, error)
}
