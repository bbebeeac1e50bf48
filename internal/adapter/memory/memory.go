package memory

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jun/graphdrive/internal/adapter"
)

const (
	maxDemoContentSize = 256 * 1024 // 256KB
	maxDemoUploadSize  = 8 << 20    // 8MB
	maxDemoNameLength  = 255
	maxDemoItemCount   = 50

	// uploadReadSize is how much of an upload source is read per step.
	uploadReadSize = 320 * 1024
)

// DynamoDBAPI is the subset of the DynamoDB client used for persistence.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// MemoryAdapter implements adapter.StorageAdapter.
// If client is nil, it uses an in-memory map (for tests).
// If client is set, it uses DynamoDB (for dev mode persistence).
type MemoryAdapter struct {
	client DynamoDBAPI
	table  string
	userID string

	// Fallback for tests
	files map[string]*adapter.File
	mu    sync.RWMutex
}

func NewMemoryAdapter(client DynamoDBAPI, table, userID string) *MemoryAdapter {
	if table == "" {
		table = DefaultTable
	}
	return &MemoryAdapter{
		client: client,
		table:  table,
		userID: userID,
		files:  make(map[string]*adapter.File),
	}
}

func (m *MemoryAdapter) Has(ctx context.Context, p string) (bool, error) {
	_, err := m.Stat(ctx, p)
	if err == adapter.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns file metadata, or folder metadata for any prefix of a stored path.
func (m *MemoryAdapter) Stat(ctx context.Context, p string) (*adapter.FileMetadata, error) {
	p = adapter.CleanPath(p)
	f, err := m.get(ctx, p)
	if err == nil {
		meta := f.FileMetadata
		return &meta, nil
	}
	if err != adapter.ErrNotFound {
		return nil, err
	}

	all, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	if p == "" || hasDescendant(all, p) {
		meta := folderMetadata(p)
		return &meta, nil
	}
	return nil, adapter.ErrNotFound
}

func (m *MemoryAdapter) Read(ctx context.Context, p string) (*adapter.File, error) {
	return m.get(ctx, adapter.CleanPath(p))
}

func (m *MemoryAdapter) Write(ctx context.Context, p string, content []byte) (*adapter.FileMetadata, error) {
	if len(content) > maxDemoContentSize {
		return nil, fmt.Errorf("%w (max %d bytes)", adapter.ErrTooLarge, maxDemoContentSize)
	}
	return m.store(ctx, adapter.CleanPath(p), content)
}

// store creates or replaces the file at p, enforcing the demo limits.
func (m *MemoryAdapter) store(ctx context.Context, p string, content []byte) (*adapter.FileMetadata, error) {
	if p == "" {
		return nil, fmt.Errorf("unable to write file: empty path")
	}
	name := path.Base(p)
	if len(name) > maxDemoNameLength {
		return nil, fmt.Errorf("name too long (max %d characters)", maxDemoNameLength)
	}

	existing, err := m.get(ctx, p)
	if err != nil && err != adapter.ErrNotFound {
		return nil, err
	}
	id := uuid.New().String()
	if existing != nil {
		id = existing.ID
	} else {
		count, _ := m.countUserItems(ctx)
		if count >= maxDemoItemCount {
			return nil, fmt.Errorf("item limit reached for demo mode (max %d items)", maxDemoItemCount)
		}
	}

	f := &adapter.File{
		FileMetadata: adapter.FileMetadata{
			ID:           id,
			Name:         name,
			Path:         p,
			MIMEType:     mimetype.Detect(content).String(),
			ModifiedTime: time.Now(),
			Size:         int64(len(content)),
			ETag:         uuid.New().String(),
			WebURL:       m.webURL(p),
		},
		Content: content,
	}
	if err := m.put(ctx, f); err != nil {
		return nil, err
	}
	meta := f.FileMetadata
	return &meta, nil
}

// List yields the entries under dir from a snapshot taken when iteration starts.
func (m *MemoryAdapter) List(ctx context.Context, dir string, recursive bool) iter.Seq2[adapter.FileMetadata, error] {
	return func(yield func(adapter.FileMetadata, error) bool) {
		dir = adapter.CleanPath(dir)
		all, err := m.all(ctx)
		if err != nil {
			yield(adapter.FileMetadata{}, err)
			return
		}
		if dir != "" && !hasDescendant(all, dir) {
			yield(adapter.FileMetadata{}, adapter.ErrNotFound)
			return
		}
		walk(all, dir, recursive, yield)
	}
}

func walk(all map[string]*adapter.File, dir string, recursive bool, yield func(adapter.FileMetadata, error) bool) bool {
	for _, child := range children(all, dir) {
		if f, ok := all[child]; ok {
			if !yield(f.FileMetadata, nil) {
				return false
			}
			continue
		}
		if !yield(folderMetadata(child), nil) {
			return false
		}
		if recursive && !walk(all, child, true, yield) {
			return false
		}
	}
	return true
}

// children returns the sorted immediate child paths of dir.
func children(all map[string]*adapter.File, dir string) []string {
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	for p := range all {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		seen[adapter.JoinPath(dir, name)] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func hasDescendant(all map[string]*adapter.File, dir string) bool {
	for p := range all {
		if strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

func folderMetadata(p string) adapter.FileMetadata {
	return adapter.FileMetadata{
		ID:       "folder:" + p,
		Name:     path.Base(p),
		Path:     p,
		IsFolder: true,
	}
}

// Delete removes a file, or every file below a folder path.
func (m *MemoryAdapter) Delete(ctx context.Context, p string) error {
	p = adapter.CleanPath(p)
	if _, err := m.get(ctx, p); err == nil {
		return m.remove(ctx, p)
	} else if err != adapter.ErrNotFound {
		return err
	}

	all, err := m.all(ctx)
	if err != nil {
		return err
	}
	found := false
	for fp := range all {
		if p == "" || strings.HasPrefix(fp, p+"/") {
			found = true
			if err := m.remove(ctx, fp); err != nil {
				return err
			}
		}
	}
	if !found {
		return adapter.ErrNotFound
	}
	return nil
}

func (m *MemoryAdapter) URL(ctx context.Context, p string) (string, error) {
	md, err := m.Stat(ctx, p)
	if err != nil {
		return "", err
	}
	return m.webURL(md.Path), nil
}

func (m *MemoryAdapter) webURL(p string) string {
	return "memory://" + m.userID + "/" + p
}

// Upload copies src in fixed-size reads, then stores it at path or, when
// the path is taken and the behavior is rename, at the first free "name N.ext".
func (m *MemoryAdapter) Upload(ctx context.Context, p string, src adapter.Source, opts adapter.UploadOptions) (*adapter.FileMetadata, error) {
	defer src.Close()

	p = adapter.CleanPath(p)
	if p == "" {
		return nil, fmt.Errorf("unable to upload: empty path")
	}
	size := src.Size()
	if size > maxDemoUploadSize {
		return nil, fmt.Errorf("%w (max %d bytes)", adapter.ErrTooLarge, maxDemoUploadSize)
	}

	content := make([]byte, size)
	for off := int64(0); off < size; {
		n := min(uploadReadSize, size-off)
		rng := adapter.ByteRange{Start: off, End: off + n - 1}
		if err := ctx.Err(); err != nil {
			return nil, &adapter.UploadError{Kind: adapter.KindCancelled, Path: p, Range: rng, Err: err}
		}
		read, err := src.ReadAt(content[off:off+n], off)
		if int64(read) < n {
			return nil, &adapter.UploadError{Kind: adapter.KindShortRead, Path: p, Range: rng, Err: err}
		}
		off += n
		if opts.Progress != nil {
			opts.Progress(off, size)
		}
	}

	target, err := m.destination(ctx, p, opts.ConflictBehavior)
	if err != nil {
		return nil, err
	}
	return m.store(ctx, target, content)
}

func (m *MemoryAdapter) destination(ctx context.Context, p string, behavior adapter.ConflictBehavior) (string, error) {
	taken, err := m.Has(ctx, p)
	if err != nil || !taken {
		return p, err
	}
	switch behavior {
	case adapter.ConflictReplace:
		return p, nil
	case adapter.ConflictFail:
		return "", &adapter.UploadError{Kind: adapter.KindNameConflict, Path: p, StatusCode: 409}
	}

	dir, name := path.Split(p)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s%s %d%s", dir, stem, i, ext)
		taken, err := m.Has(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// Provider hands out one MemoryAdapter per user.
type Provider struct {
	client DynamoDBAPI
	table  string
	stores map[string]*MemoryAdapter
	mu     sync.Mutex
}

func NewProvider(client DynamoDBAPI, table string) *Provider {
	return &Provider{
		client: client,
		table:  table,
		stores: make(map[string]*MemoryAdapter),
	}
}

func (p *Provider) GetAdapter(ctx context.Context, userID string) (adapter.StorageAdapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stores[userID]; !ok {
		p.stores[userID] = NewMemoryAdapter(p.client, p.table, userID)
	}
	return p.stores[userID], nil
}
