package handler_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/adapter/memory"
	"github.com/jun/graphdrive/internal/auth"
	"github.com/jun/graphdrive/internal/handler"
	"github.com/jun/graphdrive/internal/lease"
	"github.com/jun/graphdrive/internal/model"
	"github.com/sirupsen/logrus"
)

const testUserID = "test-user-123"

func makeToken(userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func makeRequest(method, path, body string, query map[string]string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            method,
		Path:                  path,
		Body:                  body,
		QueryStringParameters: query,
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(testUserID),
		},
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.UploadCompleted
}

func (p *recordingPublisher) UploadCompleted(ctx context.Context, e model.UploadCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// countingLocker counts heartbeats on top of MockLocker. With stolen set,
// every heartbeat finds the lease owned by someone else.
type countingLocker struct {
	*lease.MockLocker
	heartbeats atomic.Int32
	stolen     bool
}

func (c *countingLocker) Heartbeat(ctx context.Context, destination, owner string) (*model.UploadLease, error) {
	c.heartbeats.Add(1)
	if c.stolen {
		return nil, lease.ErrNotOwner
	}
	return c.MockLocker.Heartbeat(ctx, destination, owner)
}

type fixture struct {
	h         *handler.FileHandler
	provider  *memory.Provider
	locker    *countingLocker
	publisher *recordingPublisher
	spoolDir  string
}

func newFixture(t *testing.T, objects *fakeS3) *fixture {
	t.Helper()
	f := &fixture{
		provider:  memory.NewProvider(nil, ""),
		locker:    &countingLocker{MockLocker: lease.NewMockLocker()},
		publisher: &recordingPublisher{},
		spoolDir:  t.TempDir(),
	}
	opts := handler.FileOptions{
		Locker:    f.locker,
		Publisher: f.publisher,
		SpoolDir:  f.spoolDir,
		Logger:    quietLogger(),
	}
	if objects != nil {
		opts.S3 = objects
	}
	f.h = handler.NewFileHandler(f.provider, testJWTSecret, opts)
	return f
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	resp, err := f.h.WriteFile(context.Background(), makeRequest("PUT", "/files", content, map[string]string{"path": path}))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("WriteFile(%s) = %d, %v: %s", path, resp.StatusCode, err, resp.Body)
	}
}

func TestFileHandler_WriteAndRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.h.WriteFile(ctx, makeRequest("PUT", "/files", "hello world", map[string]string{"path": "/docs/a.txt"}))
	if err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK, got %d: %s", resp.StatusCode, resp.Body)
	}
	var meta adapter.FileMetadata
	if err := json.Unmarshal([]byte(resp.Body), &meta); err != nil {
		t.Fatalf("Failed to unmarshal metadata: %v", err)
	}
	if meta.Path != "docs/a.txt" || meta.Size != 11 || meta.ID == "" {
		t.Errorf("Unexpected metadata %+v", meta)
	}

	resp, _ = f.h.ReadFile(ctx, makeRequest("GET", "/files", "", map[string]string{"path": "docs/a.txt"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK, got %d: %s", resp.StatusCode, resp.Body)
	}
	if !resp.IsBase64Encoded {
		t.Fatal("Expected a base64 encoded body")
	}
	content, _ := base64.StdEncoding.DecodeString(resp.Body)
	if string(content) != "hello world" {
		t.Errorf("Expected 'hello world', got %q", content)
	}
	if !strings.HasPrefix(resp.Headers["Content-Type"], "text/plain") {
		t.Errorf("Expected text/plain, got %q", resp.Headers["Content-Type"])
	}
	if resp.Headers["ETag"] != meta.ETag {
		t.Errorf("Expected ETag %q, got %q", meta.ETag, resp.Headers["ETag"])
	}
}

func TestFileHandler_WriteBase64Body(t *testing.T) {
	f := newFixture(t, nil)
	req := makeRequest("PUT", "/files", base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3}), map[string]string{"path": "bin/x.bin"})
	req.IsBase64Encoded = true

	resp, _ := f.h.WriteFile(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK, got %d: %s", resp.StatusCode, resp.Body)
	}
	var meta adapter.FileMetadata
	json.Unmarshal([]byte(resp.Body), &meta)
	if meta.Size != 4 {
		t.Errorf("Expected 4 decoded bytes, got %d", meta.Size)
	}
}

func TestFileHandler_RequestErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	noAuth := makeRequest("GET", "/files", "", map[string]string{"path": "a.txt"})
	noAuth.Headers = map[string]string{}
	if resp, _ := f.h.ReadFile(ctx, noAuth); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	if resp, _ := f.h.ReadFile(ctx, makeRequest("GET", "/files", "", map[string]string{"path": "/"})); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty path, got %d", resp.StatusCode)
	}

	if resp, _ := f.h.ReadFile(ctx, makeRequest("GET", "/files", "", map[string]string{"path": "missing.txt"})); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing file, got %d", resp.StatusCode)
	}

	big := strings.Repeat("x", 300*1024)
	if resp, _ := f.h.WriteFile(ctx, makeRequest("PUT", "/files", big, map[string]string{"path": "big.txt"})); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 for oversized write, got %d", resp.StatusCode)
	}

	if resp, _ := f.h.ListFiles(ctx, makeRequest("GET", "/files/list", "", map[string]string{"limit": "-1"})); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", resp.StatusCode)
	}
}

func TestFileHandler_ExistsDeleteURL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "docs/a.txt", "a")

	exists := func(p string) bool {
		resp, _ := f.h.FileExists(ctx, makeRequest("GET", "/files/exists", "", map[string]string{"path": p}))
		var body struct {
			Exists bool `json:"exists"`
		}
		json.Unmarshal([]byte(resp.Body), &body)
		return body.Exists
	}
	if !exists("docs/a.txt") || !exists("docs") {
		t.Error("Expected file and folder to exist")
	}

	resp, _ := f.h.FileURL(ctx, makeRequest("GET", "/files/url", "", map[string]string{"path": "docs/a.txt"}))
	var urlBody map[string]string
	json.Unmarshal([]byte(resp.Body), &urlBody)
	if urlBody["url"] != "memory://"+testUserID+"/docs/a.txt" {
		t.Errorf("Unexpected url %q", urlBody["url"])
	}

	resp, _ = f.h.DeleteFile(ctx, makeRequest("DELETE", "/files", "", map[string]string{"path": "docs/a.txt"}))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", resp.StatusCode, resp.Body)
	}
	if exists("docs/a.txt") {
		t.Error("Expected file to be deleted")
	}
	resp, _ = f.h.DeleteFile(ctx, makeRequest("DELETE", "/files", "", map[string]string{"path": "docs/a.txt"}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestFileHandler_ListFiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "docs/a.txt", "a")
	f.write(t, "docs/sub/b.txt", "b")
	f.write(t, "top.txt", "t")

	list := func(query map[string]string) []adapter.FileMetadata {
		resp, _ := f.h.ListFiles(ctx, makeRequest("GET", "/files/list", "", query))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200 OK, got %d: %s", resp.StatusCode, resp.Body)
		}
		var files []adapter.FileMetadata
		json.Unmarshal([]byte(resp.Body), &files)
		return files
	}

	files := list(map[string]string{"dir": "docs"})
	if len(files) != 2 {
		t.Fatalf("Expected 2 entries in docs, got %d", len(files))
	}

	files = list(map[string]string{"dir": "docs", "recursive": "true"})
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	if strings.Join(paths, ",") != "docs/a.txt,docs/sub,docs/sub/b.txt" {
		t.Errorf("Unexpected recursive listing %v", paths)
	}

	files = list(map[string]string{"recursive": "true", "limit": "2"})
	if len(files) != 2 {
		t.Errorf("Expected limit to stop at 2 entries, got %d", len(files))
	}

	resp, _ := f.h.ListFiles(ctx, makeRequest("GET", "/files/list", "", map[string]string{"dir": "nope"}))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing dir, got %d", resp.StatusCode)
	}
}

func TestFileHandler_Upload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789"), 70*1024) // 700 KiB

	req := makeRequest("POST", "/uploads", base64.StdEncoding.EncodeToString(data), map[string]string{"path": "backups/db.bin"})
	req.IsBase64Encoded = true
	resp, err := f.h.Upload(ctx, req)
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 Created, got %d: %s", resp.StatusCode, resp.Body)
	}

	var meta adapter.FileMetadata
	json.Unmarshal([]byte(resp.Body), &meta)
	if meta.Path != "backups/db.bin" || meta.Size != int64(len(data)) {
		t.Errorf("Unexpected metadata %+v", meta)
	}

	// One heartbeat per read step: 320 KiB, 640 KiB, 700 KiB.
	if n := f.locker.heartbeats.Load(); n != 3 {
		t.Errorf("Expected 3 heartbeats, got %d", n)
	}
	if l, _ := f.locker.GetLockStatus(ctx, testUserID+":backups/db.bin"); l != nil {
		t.Errorf("Expected lease to be released, got %+v", l)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(f.publisher.events))
	}
	ev := f.publisher.events[0]
	if ev.UserID != testUserID || ev.Path != "backups/db.bin" || ev.ItemID != meta.ID || ev.Source != "request" {
		t.Errorf("Unexpected event %+v", ev)
	}

	entries, _ := os.ReadDir(f.spoolDir)
	if len(entries) != 0 {
		t.Errorf("Expected spool dir to be empty, found %d files", len(entries))
	}
}

func TestFileHandler_UploadConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "docs/a.txt", "original")

	upload := func(conflict string) events.APIGatewayProxyResponse {
		resp, _ := f.h.Upload(ctx, makeRequest("POST", "/uploads", "new content", map[string]string{"path": "docs/a.txt", "conflict": conflict}))
		return resp
	}

	if resp := upload("fail"); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 with conflict=fail, got %d: %s", resp.StatusCode, resp.Body)
	}

	resp := upload("")
	var meta adapter.FileMetadata
	json.Unmarshal([]byte(resp.Body), &meta)
	if resp.StatusCode != http.StatusCreated || meta.Path != "docs/a 1.txt" {
		t.Errorf("Expected rename to 'docs/a 1.txt', got %d %q", resp.StatusCode, meta.Path)
	}

	if resp := upload("replace"); resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201 with conflict=replace, got %d", resp.StatusCode)
	}

	if resp := upload("overwrite"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown behavior, got %d", resp.StatusCode)
	}
}

func TestFileHandler_UploadRefusedWhileLeased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.locker.AcquireLock(ctx, testUserID+":big.bin", "other-upload"); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	resp, _ := f.h.Upload(ctx, makeRequest("POST", "/uploads", "data", map[string]string{"path": "big.bin"}))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 while leased, got %d: %s", resp.StatusCode, resp.Body)
	}
	if len(f.publisher.events) != 0 {
		t.Error("Expected no event for a refused upload")
	}
	entries, _ := os.ReadDir(f.spoolDir)
	if len(entries) != 0 {
		t.Errorf("Expected refused upload to be unspooled, found %d files", len(entries))
	}
	if l, _ := f.locker.GetLockStatus(ctx, testUserID+":big.bin"); l == nil || l.Owner != "other-upload" {
		t.Errorf("Expected the other lease to survive, got %+v", l)
	}
}

// fakeS3 serves objects from a map.
type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data))), ETag: aws.String(`"e1"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data := f.objects[aws.ToString(in.Key)]
	var start, end int
	if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func TestFileHandler_UploadFromS3(t *testing.T) {
	objects := &fakeS3{objects: map[string][]byte{"exports/report.csv": []byte("a,b\n1,2\n")}}
	f := newFixture(t, objects)
	ctx := context.Background()

	resp, _ := f.h.UploadFromS3(ctx, makeRequest("POST", "/uploads/s3", `{"bucket":"in","key":"exports/report.csv","path":"reports/r.csv"}`, nil))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 Created, got %d: %s", resp.StatusCode, resp.Body)
	}
	if ev := f.publisher.events[0]; ev.Source != "s3://in/exports/report.csv" || ev.Size != 8 {
		t.Errorf("Unexpected event %+v", ev)
	}

	resp, _ = f.h.UploadFromS3(ctx, makeRequest("POST", "/uploads/s3", `{"bucket":"in","key":"nope","path":"r.csv"}`, nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for missing object, got %d", resp.StatusCode)
	}

	resp, _ = f.h.UploadFromS3(ctx, makeRequest("POST", "/uploads/s3", `{"bucket":"in"}`, nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for incomplete body, got %d", resp.StatusCode)
	}

	disabled := newFixture(t, nil)
	resp, _ = disabled.h.UploadFromS3(ctx, makeRequest("POST", "/uploads/s3", `{}`, nil))
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("Expected 501 without S3, got %d", resp.StatusCode)
	}
}

// failingStorage returns err from Upload and Read.
type failingStorage struct {
	adapter.StorageAdapter
	err error
}

func (s failingStorage) Upload(ctx context.Context, p string, src adapter.Source, opts adapter.UploadOptions) (*adapter.FileMetadata, error) {
	src.Close()
	return nil, s.err
}

func (s failingStorage) Read(ctx context.Context, p string) (*adapter.File, error) {
	return nil, s.err
}

type providerFunc func(ctx context.Context, userID string) (adapter.StorageAdapter, error)

func (f providerFunc) GetAdapter(ctx context.Context, userID string) (adapter.StorageAdapter, error) {
	return f(ctx, userID)
}

func TestFileHandler_UploadErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"name conflict", &adapter.UploadError{Kind: adapter.KindNameConflict, StatusCode: 409}, http.StatusConflict},
		{"session expired", &adapter.UploadError{Kind: adapter.KindSessionExpired, StatusCode: 404}, http.StatusGone},
		{"retries exhausted", &adapter.UploadError{Kind: adapter.KindTransientService, StatusCode: 503, Attempts: 10}, http.StatusServiceUnavailable},
		{"protocol", &adapter.UploadError{Kind: adapter.KindProtocolViolation, StatusCode: 400}, http.StatusBadGateway},
		{"session refused", &adapter.UploadError{Kind: adapter.KindSessionCreation, StatusCode: 403}, http.StatusForbidden},
		{"session conflict", &adapter.UploadError{Kind: adapter.KindSessionCreation, StatusCode: 409}, http.StatusConflict},
		{"session bad request", &adapter.UploadError{Kind: adapter.KindSessionCreation, StatusCode: 400}, http.StatusBadRequest},
		{"session server error", &adapter.UploadError{Kind: adapter.KindSessionCreation, StatusCode: 500}, http.StatusBadGateway},
		{"session no response", &adapter.UploadError{Kind: adapter.KindSessionCreation}, http.StatusBadGateway},
		{"short read", &adapter.UploadError{Kind: adapter.KindShortRead}, http.StatusBadGateway},
		{"cancelled", &adapter.UploadError{Kind: adapter.KindCancelled, Err: context.Canceled}, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := providerFunc(func(context.Context, string) (adapter.StorageAdapter, error) {
				return failingStorage{err: tt.err}, nil
			})
			h := handler.NewFileHandler(provider, testJWTSecret, handler.FileOptions{SpoolDir: t.TempDir(), Logger: quietLogger()})

			resp, _ := h.Upload(context.Background(), makeRequest("POST", "/uploads", "data", map[string]string{"path": "x.bin"}))
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, resp.StatusCode, resp.Body)
			}
		})
	}
}

func TestFileHandler_ProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not connected", auth.ErrUserNotFound, http.StatusUnauthorized},
		{"site invalid", fmt.Errorf("failed to create drive adapter: %w", adapter.ErrSiteInvalid), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := providerFunc(func(context.Context, string) (adapter.StorageAdapter, error) {
				return nil, tt.err
			})
			h := handler.NewFileHandler(provider, testJWTSecret, handler.FileOptions{Logger: quietLogger()})

			resp, _ := h.ReadFile(context.Background(), makeRequest("GET", "/files", "", map[string]string{"path": "x"}))
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestFileHandler_SharedDriveLeases(t *testing.T) {
	locker := lease.NewMockLocker()
	h := handler.NewFileHandler(memory.NewProvider(nil, ""), testJWTSecret, handler.FileOptions{
		Locker:      locker,
		SpoolDir:    t.TempDir(),
		SharedDrive: "/drives/d1",
		Logger:      quietLogger(),
	})
	ctx := context.Background()
	// Another user's upload of the same site path holds the lease.
	locker.AcquireLock(ctx, "/drives/d1:shared/plan.docx", "someone-else")

	resp, _ := h.Upload(ctx, makeRequest("POST", "/uploads", "data", map[string]string{"path": "shared/plan.docx"}))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 on a shared drive lease, got %d", resp.StatusCode)
	}
}

// slowStorage holds every upload for delay without reporting progress, or
// until the upload is cancelled.
type slowStorage struct {
	adapter.StorageAdapter
	delay time.Duration
}

func (s slowStorage) Upload(ctx context.Context, p string, src adapter.Source, opts adapter.UploadOptions) (*adapter.FileMetadata, error) {
	defer src.Close()
	select {
	case <-time.After(s.delay):
		return &adapter.FileMetadata{ID: "item-1", Path: p, Size: src.Size()}, nil
	case <-ctx.Done():
		return nil, &adapter.UploadError{Kind: adapter.KindCancelled, Path: p, Err: ctx.Err()}
	}
}

func slowHandler(t *testing.T, locker lease.Locker, publisher *recordingPublisher, delay time.Duration) *handler.FileHandler {
	t.Helper()
	provider := providerFunc(func(context.Context, string) (adapter.StorageAdapter, error) {
		return slowStorage{delay: delay}, nil
	})
	return handler.NewFileHandler(provider, testJWTSecret, handler.FileOptions{
		Locker:            locker,
		Publisher:         publisher,
		SpoolDir:          t.TempDir(),
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            quietLogger(),
	})
}

func TestFileHandler_UploadRenewsLeaseWithoutProgress(t *testing.T) {
	locker := &countingLocker{MockLocker: lease.NewMockLocker()}
	publisher := &recordingPublisher{}
	h := slowHandler(t, locker, publisher, 100*time.Millisecond)
	ctx := context.Background()

	resp, _ := h.Upload(ctx, makeRequest("POST", "/uploads", "data", map[string]string{"path": "slow.bin"}))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 Created, got %d: %s", resp.StatusCode, resp.Body)
	}
	if n := locker.heartbeats.Load(); n < 2 {
		t.Errorf("Expected the lease to be renewed while the upload stalls, got %d heartbeats", n)
	}
	if l, _ := locker.GetLockStatus(ctx, testUserID+":slow.bin"); l != nil {
		t.Errorf("Expected lease to be released, got %+v", l)
	}
	if len(publisher.events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(publisher.events))
	}
}

func TestFileHandler_UploadCancelledWhenLeaseLost(t *testing.T) {
	locker := &countingLocker{MockLocker: lease.NewMockLocker(), stolen: true}
	publisher := &recordingPublisher{}
	h := slowHandler(t, locker, publisher, time.Minute)

	done := make(chan events.APIGatewayProxyResponse, 1)
	go func() {
		resp, _ := h.Upload(context.Background(), makeRequest("POST", "/uploads", "data", map[string]string{"path": "taken.bin"}))
		done <- resp
	}()

	select {
	case resp := <-done:
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("Expected 409 after losing the lease, got %d: %s", resp.StatusCode, resp.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Upload kept running after its lease was lost")
	}
	if len(publisher.events) != 0 {
		t.Errorf("Expected no event for an abandoned upload, got %d", len(publisher.events))
	}
}
