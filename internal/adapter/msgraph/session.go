package msgraph

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/sirupsen/logrus"
)

// uploadSession is the server-side reservation for one object's bytes. The
// upload URL authorizes chunk requests on its own.
type uploadSession struct {
	URL                string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`

	path string
	size int64
}

// createUploadSession opens an upload session for path. Failures are not
// retried.
func (d *DriveAdapter) createUploadSession(ctx context.Context, p string, size int64, behavior adapter.ConflictBehavior) (*uploadSession, error) {
	body := map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": string(d.conflictBehavior(behavior)),
		},
	}

	var sess uploadSession
	if err := d.doJSON(ctx, http.MethodPost, d.itemPath(p)+":/createUploadSession", body, &sess); err != nil {
		return nil, &adapter.UploadError{
			Kind:       adapter.KindSessionCreation,
			Path:       p,
			StatusCode: statusOf(err),
			Err:        err,
		}
	}
	if sess.URL == "" {
		return nil, &adapter.UploadError{
			Kind: adapter.KindSessionCreation,
			Path: p,
			Err:  errors.New("response carries no upload url"),
		}
	}
	sess.path = p
	sess.size = size

	d.log.WithFields(logrus.Fields{
		"path":    p,
		"size":    size,
		"expires": sess.ExpirationDateTime,
	}).Debug("upload session created")
	return &sess, nil
}

func (d *DriveAdapter) conflictBehavior(b adapter.ConflictBehavior) adapter.ConflictBehavior {
	if b == "" {
		return d.conflict
	}
	return b
}

// uploadEmpty creates a zero-byte item with a simple upload, since a session
// cannot carry zero bytes. The conflict behavior goes in the query string.
func (d *DriveAdapter) uploadEmpty(ctx context.Context, p string, behavior adapter.ConflictBehavior) (*adapter.FileMetadata, error) {
	ref := d.itemPath(p) + ":/content?@microsoft.graph.conflictBehavior=" + string(d.conflictBehavior(behavior))
	data, err := d.do(ctx, http.MethodPut, ref, "application/octet-stream", http.NoBody)
	if err != nil {
		status := statusOf(err)
		kind := adapter.KindSessionCreation
		if status == http.StatusConflict {
			kind = adapter.KindNameConflict
		}
		return nil, &adapter.UploadError{Kind: kind, Path: p, StatusCode: status, Err: err}
	}
	it, err := decodeItem(data)
	if err != nil {
		return nil, &adapter.UploadError{Kind: adapter.KindProtocolViolation, Path: p, Err: err}
	}
	md := it.metadata(p)
	return &md, nil
}
