package adapter

import (
	"context"
	"io"
	"iter"
	"strings"
	"time"
)

// FileMetadata represents metadata about an item stored in the drive.
type FileMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	MIMEType     string    `json:"mimeType,omitempty"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	WebURL       string    `json:"webUrl,omitempty"`
	IsFolder     bool      `json:"isFolder"`
}

// File represents a file with its content.
type File struct {
	FileMetadata
	Content []byte `json:"content"`
}

// Source is the byte source of a large upload. Reads are keyed to absolute
// offsets so a chunk can be resent or re-read after the server asks for an
// earlier range than the one last sent.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size reports the total number of bytes to upload.
	Size() int64
}

// ConflictBehavior tells the drive what to do when the destination exists.
type ConflictBehavior string

const (
	ConflictRename  ConflictBehavior = "rename"
	ConflictReplace ConflictBehavior = "replace"
	ConflictFail    ConflictBehavior = "fail"
)

// ProgressFunc is called after every chunk the server accepts.
type ProgressFunc func(sent, total int64)

// UploadOptions tunes a single large upload.
type UploadOptions struct {
	// ConflictBehavior defaults to ConflictRename.
	ConflictBehavior ConflictBehavior
	Progress         ProgressFunc
}

// StorageAdapter defines the file operations exposed over a cloud drive.
// Paths are drive-relative ("reports/2024/q1.pdf"); leading and trailing
// slashes are ignored.
type StorageAdapter interface {
	// Has reports whether an item exists at path.
	Has(ctx context.Context, path string) (bool, error)

	// Stat returns the metadata of the item at path.
	Stat(ctx context.Context, path string) (*FileMetadata, error)

	// Read retrieves a file's content and metadata.
	Read(ctx context.Context, path string) (*File, error)

	// Write stores content at path in a single request, replacing any
	// existing file.
	Write(ctx context.Context, path string, content []byte) (*FileMetadata, error)

	// List yields the entries under dir, depth-first when recursive is set.
	// Iteration stops at the first error, which is yielded with a zero
	// FileMetadata.
	List(ctx context.Context, dir string, recursive bool) iter.Seq2[FileMetadata, error]

	// Delete removes the item at path.
	Delete(ctx context.Context, path string) error

	// URL returns a shareable web URL for the item at path.
	URL(ctx context.Context, path string) (string, error)

	// Upload sends src to path through a resumable upload session.
	// Upload takes ownership of src and closes it before returning.
	Upload(ctx context.Context, path string, src Source, opts UploadOptions) (*FileMetadata, error)
}

// CleanPath normalizes a drive-relative path.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}

// JoinPath joins a directory and a child name the way listings report paths.
func JoinPath(dir, name string) string {
	dir = CleanPath(dir)
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
