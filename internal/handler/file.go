package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/jun/graphdrive/internal/adapter"
	"github.com/jun/graphdrive/internal/auth"
	"github.com/jun/graphdrive/internal/lease"
	"github.com/jun/graphdrive/internal/model"
	"github.com/jun/graphdrive/internal/notify"
	"github.com/jun/graphdrive/internal/source"
	"github.com/sirupsen/logrus"
)

// FileOptions carries the optional collaborators of a FileHandler.
type FileOptions struct {
	Locker    lease.Locker
	Publisher notify.Publisher
	// S3 enables POST /uploads/s3 when set.
	S3 source.S3API
	// SpoolDir receives request bodies before they are uploaded.
	SpoolDir string
	// SharedDrive namespaces leases when every user writes the same drive
	// (site mode). Empty means leases are per user.
	SharedDrive string
	// HeartbeatInterval is how often a running upload renews its lease.
	// Defaults to a third of lease.DefaultTTL.
	HeartbeatInterval time.Duration
	Logger            logrus.FieldLogger
}

// FileHandler exposes drive file operations and large uploads.
type FileHandler struct {
	storageProvider adapter.StorageProvider
	jwtSecret       string
	locker          lease.Locker
	publisher       notify.Publisher
	s3              source.S3API
	spoolDir        string
	sharedDrive     string
	heartbeat       time.Duration
	log             logrus.FieldLogger
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(provider adapter.StorageProvider, jwtSecret string, opts FileOptions) *FileHandler {
	h := &FileHandler{
		storageProvider: provider,
		jwtSecret:       jwtSecret,
		locker:          opts.Locker,
		publisher:       opts.Publisher,
		s3:              opts.S3,
		spoolDir:        opts.SpoolDir,
		sharedDrive:     opts.SharedDrive,
		heartbeat:       opts.HeartbeatInterval,
		log:             opts.Logger,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = lease.DefaultTTL / 3
	}
	if h.locker == nil {
		h.locker = lease.NewMockLocker()
	}
	if h.publisher == nil {
		h.publisher = notify.NopPublisher{}
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	return h
}

// getStorageAdapter resolves the caller and their storage adapter. The
// returned response is only meaningful when err is non-nil.
func (h *FileHandler) getStorageAdapter(ctx context.Context, req events.APIGatewayProxyRequest) (string, adapter.StorageAdapter, events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return "", nil, textResponse(http.StatusUnauthorized, "Unauthorized"), err
	}

	storage, err := h.storageProvider.GetAdapter(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return "", nil, textResponse(http.StatusUnauthorized, "Drive not connected"), err
		}
		if errors.Is(err, adapter.ErrSiteInvalid) || errors.Is(err, adapter.ErrDriveNotFound) {
			h.log.WithError(err).Error("drive misconfigured")
			return "", nil, textResponse(http.StatusBadGateway, "Drive is not available"), err
		}
		h.log.WithError(err).WithField("user_id", userID).Error("failed to get storage adapter")
		return "", nil, textResponse(http.StatusInternalServerError, "Failed to get storage adapter"), err
	}
	return userID, storage, events.APIGatewayProxyResponse{}, nil
}

func requirePath(req events.APIGatewayProxyRequest, param string) (string, bool) {
	p := adapter.CleanPath(req.QueryStringParameters[param])
	return p, p != ""
}

// ReadFile returns the raw content of ?path=.
func (h *FileHandler) ReadFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}

	file, err := storage.Read(ctx, p)
	if err != nil {
		return h.errorResponse(err, p), nil
	}

	contentType := file.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": strconv.Itoa(len(file.Content)),
	}
	if file.ETag != "" {
		headers["ETag"] = file.ETag
	}
	return events.APIGatewayProxyResponse{
		StatusCode:      http.StatusOK,
		Headers:         headers,
		Body:            base64.StdEncoding.EncodeToString(file.Content),
		IsBase64Encoded: true,
	}, nil
}

// FileExists reports whether ?path= exists.
func (h *FileHandler) FileExists(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}

	exists, err := storage.Has(ctx, p)
	if err != nil {
		return h.errorResponse(err, p), nil
	}
	return jsonResponse(http.StatusOK, map[string]any{"path": p, "exists": exists}), nil
}

// WriteFile stores the request body at ?path= in a single request.
func (h *FileHandler) WriteFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}

	content, err := io.ReadAll(requestBody(req))
	if err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}

	meta, err := storage.Write(ctx, p, content)
	if err != nil {
		return h.errorResponse(err, p), nil
	}
	return jsonResponse(http.StatusOK, meta), nil
}

// ListFiles lists ?dir=, descending into folders when ?recursive=true.
// ?limit= stops the listing after that many entries.
func (h *FileHandler) ListFiles(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	dir := adapter.CleanPath(req.QueryStringParameters["dir"])
	recursive := req.QueryStringParameters["recursive"] == "true"

	limit := 0
	if v := req.QueryStringParameters["limit"]; v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return textResponse(http.StatusBadRequest, "Invalid limit"), nil
		}
	}

	files := []adapter.FileMetadata{}
	for meta, err := range storage.List(ctx, dir, recursive) {
		if err != nil {
			return h.errorResponse(err, dir), nil
		}
		files = append(files, meta)
		if limit > 0 && len(files) == limit {
			break
		}
	}
	return jsonResponse(http.StatusOK, files), nil
}

// DeleteFile removes ?path=.
func (h *FileHandler) DeleteFile(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}

	if err := storage.Delete(ctx, p); err != nil {
		return h.errorResponse(err, p), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// FileURL returns a shareable URL for ?path=.
func (h *FileHandler) FileURL(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	_, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}

	url, err := storage.URL(ctx, p)
	if err != nil {
		return h.errorResponse(err, p), nil
	}
	return jsonResponse(http.StatusOK, map[string]string{"path": p, "url": url}), nil
}

// Upload spools the request body and sends it to ?path= through an upload
// session. ?conflict= overrides the configured conflict behavior.
func (h *FileHandler) Upload(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	p, ok := requirePath(req, "path")
	if !ok {
		return textResponse(http.StatusBadRequest, "Missing path"), nil
	}
	behavior, err := parseConflict(req.QueryStringParameters["conflict"])
	if err != nil {
		return textResponse(http.StatusBadRequest, err.Error()), nil
	}

	src, err := source.Spool(h.spoolDir, requestBody(req))
	if err != nil {
		h.log.WithError(err).Error("failed to spool upload body")
		return textResponse(http.StatusBadRequest, "Failed to read request body"), nil
	}

	return h.upload(ctx, userID, storage, p, src, behavior, "request"), nil
}

// UploadFromS3 copies an S3 object to the drive. Body:
// {"bucket":"...","key":"...","path":"...","conflict":"rename"}.
func (h *FileHandler) UploadFromS3(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, storage, resp, err := h.getStorageAdapter(ctx, req)
	if err != nil {
		return resp, nil
	}
	if h.s3 == nil {
		return textResponse(http.StatusNotImplemented, "S3 uploads are not enabled"), nil
	}

	var payload struct {
		Bucket   string `json:"bucket"`
		Key      string `json:"key"`
		Path     string `json:"path"`
		Conflict string `json:"conflict"`
	}
	if err := json.NewDecoder(requestBody(req)).Decode(&payload); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	p := adapter.CleanPath(payload.Path)
	if payload.Bucket == "" || payload.Key == "" || p == "" {
		return textResponse(http.StatusBadRequest, "bucket, key and path are required"), nil
	}
	behavior, err := parseConflict(payload.Conflict)
	if err != nil {
		return textResponse(http.StatusBadRequest, err.Error()), nil
	}

	src, err := source.NewS3Source(ctx, h.s3, payload.Bucket, payload.Key)
	if err != nil {
		if errors.Is(err, source.ErrObjectNotFound) {
			return textResponse(http.StatusNotFound, "Source object not found"), nil
		}
		h.log.WithError(err).WithField("key", payload.Key).Error("failed to open S3 object")
		return textResponse(http.StatusBadGateway, "Failed to open source object"), nil
	}

	origin := fmt.Sprintf("s3://%s/%s", payload.Bucket, payload.Key)
	return h.upload(ctx, userID, storage, p, src, behavior, origin), nil
}

// upload runs one large upload under a destination lease. It owns src.
func (h *FileHandler) upload(ctx context.Context, userID string, storage adapter.StorageAdapter, p string, src adapter.Source, behavior adapter.ConflictBehavior, origin string) events.APIGatewayProxyResponse {
	uploadID := uuid.NewString()
	destination := h.leaseKey(userID, p)
	log := h.log.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"user_id":   userID,
		"path":      p,
		"size":      src.Size(),
	})

	if _, err := h.locker.AcquireLock(ctx, destination, uploadID); err != nil {
		src.Close()
		if errors.Is(err, lease.ErrHeld) {
			return textResponse(http.StatusConflict, "Another upload to this path is in progress")
		}
		log.WithError(err).Error("failed to acquire upload lease")
		return textResponse(http.StatusInternalServerError, "Failed to reserve destination")
	}
	defer func() {
		if err := h.locker.ReleaseLock(context.WithoutCancel(ctx), destination, uploadID); err != nil {
			log.WithError(err).Warn("failed to release upload lease")
		}
	}()

	uploadCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	keeper := &leaseKeeper{locker: h.locker, destination: destination, owner: uploadID, cancel: cancel, log: log}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keeper.run(uploadCtx, h.heartbeat)
	}()

	started := time.Now()
	meta, err := storage.Upload(uploadCtx, p, src, adapter.UploadOptions{
		ConflictBehavior: behavior,
		Progress: func(sent, total int64) {
			keeper.renew(uploadCtx)
			log.WithField("sent", sent).Debug("upload progress")
		},
	})
	cancel(nil)
	wg.Wait()
	if err != nil {
		if errors.Is(context.Cause(uploadCtx), errLeaseLost) {
			log.WithError(err).Warn("upload stopped after its lease was lost")
			return textResponse(http.StatusConflict, "Upload lease was lost to another upload")
		}
		return h.errorResponse(err, p)
	}
	log.WithFields(logrus.Fields{
		"item_id":  meta.ID,
		"duration": time.Since(started).String(),
	}).Info("upload completed")

	event := model.UploadCompleted{
		UserID:     userID,
		Path:       meta.Path,
		ItemID:     meta.ID,
		Size:       meta.Size,
		WebURL:     meta.WebURL,
		Source:     origin,
		FinishedAt: time.Now().UTC(),
	}
	if err := h.publisher.UploadCompleted(ctx, event); err != nil {
		log.WithError(err).Warn("failed to publish upload event")
	}
	return jsonResponse(http.StatusCreated, meta)
}

var errLeaseLost = errors.New("upload lease lost")

// leaseKeeper renews the lease of one running upload. Losing the lease
// cancels the upload.
type leaseKeeper struct {
	locker      lease.Locker
	destination string
	owner       string
	cancel      context.CancelCauseFunc
	log         logrus.FieldLogger
}

func (k *leaseKeeper) renew(ctx context.Context) {
	_, err := k.locker.Heartbeat(ctx, k.destination, k.owner)
	switch {
	case errors.Is(err, lease.ErrNotOwner):
		k.log.Warn("upload lease lost, cancelling upload")
		k.cancel(errLeaseLost)
	case err != nil:
		k.log.WithError(err).Warn("upload lease heartbeat failed")
	}
}

// run renews the lease every interval until ctx is done, so that retry
// pauses and slow chunk requests never outlast the lease TTL.
func (k *leaseKeeper) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.renew(ctx)
		}
	}
}

func (h *FileHandler) leaseKey(userID, p string) string {
	if h.sharedDrive != "" {
		return h.sharedDrive + ":" + p
	}
	return userID + ":" + p
}

func parseConflict(v string) (adapter.ConflictBehavior, error) {
	switch b := adapter.ConflictBehavior(strings.ToLower(v)); b {
	case "":
		return "", nil
	case adapter.ConflictRename, adapter.ConflictReplace, adapter.ConflictFail:
		return b, nil
	}
	return "", fmt.Errorf("invalid conflict behavior %q", v)
}

// errorResponse maps storage and upload errors to HTTP statuses.
func (h *FileHandler) errorResponse(err error, p string) events.APIGatewayProxyResponse {
	log := h.log.WithError(err).WithField("path", p)
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		return textResponse(http.StatusNotFound, "File not found")
	case errors.Is(err, adapter.ErrTooLarge):
		return textResponse(http.StatusRequestEntityTooLarge, "File too large")
	case errors.Is(err, adapter.ErrNameConflict):
		return textResponse(http.StatusConflict, "A file with this name already exists")
	case errors.Is(err, adapter.ErrSessionExpired):
		log.Warn("upload session expired")
		return textResponse(http.StatusGone, "Upload session expired")
	case errors.Is(err, adapter.ErrTransientService):
		log.Warn("drive unavailable")
		return textResponse(http.StatusServiceUnavailable, "Drive is temporarily unavailable")
	case errors.Is(err, adapter.ErrUploadCancelled):
		log.Warn("upload cancelled")
		return textResponse(http.StatusGatewayTimeout, "Upload cancelled")
	}

	var uploadErr *adapter.UploadError
	if errors.As(err, &uploadErr) {
		// A refused session keeps the drive's 4xx so callers can tell a
		// conflict or a permission problem from a gateway failure.
		if uploadErr.Kind == adapter.KindSessionCreation && uploadErr.StatusCode >= 400 && uploadErr.StatusCode < 500 {
			log.Warn("drive refused the upload session")
			if uploadErr.StatusCode == http.StatusConflict {
				return textResponse(http.StatusConflict, "A file with this name already exists")
			}
			return textResponse(uploadErr.StatusCode, "Drive refused the upload")
		}
		log.Error("upload failed")
		return textResponse(http.StatusBadGateway, "Upload failed")
	}
	log.Error("storage operation failed")
	return textResponse(http.StatusInternalServerError, "Storage operation failed")
}

// requestBody returns the decoded request body.
func requestBody(req events.APIGatewayProxyRequest) io.Reader {
	if req.IsBase64Encoded {
		return base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.Body))
	}
	return strings.NewReader(req.Body)
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: body}
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}
