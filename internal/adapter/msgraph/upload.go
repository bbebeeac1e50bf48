package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/sirupsen/logrus"
)

const (
	// ChunkAlignment is the unit every chunk except the last must be a multiple of.
	ChunkAlignment = 320 * 1024
	// DefaultChunkSize is 32 alignment units (10 MiB).
	DefaultChunkSize = 32 * ChunkAlignment
)

// retrySchedule is the pause before each resend of a chunk that hit a
// transient failure. Its length is the retry budget of one chunk.
var retrySchedule = []time.Duration{
	0,
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	13 * time.Second,
	21 * time.Second,
	34 * time.Second,
}

// MaxChunkRetries is the number of resends allowed for one chunk.
var MaxChunkRetries = len(retrySchedule)

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTransient(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Upload sends src to path through an upload session. Empty sources are
// created with a single request under the same conflict behavior.
func (d *DriveAdapter) Upload(ctx context.Context, p string, src adapter.Source, opts adapter.UploadOptions) (*adapter.FileMetadata, error) {
	defer src.Close()

	p = adapter.CleanPath(p)
	if p == "" {
		return nil, fmt.Errorf("unable to upload: empty path")
	}
	size := src.Size()
	if size == 0 {
		return d.uploadEmpty(ctx, p, opts.ConflictBehavior)
	}

	sess, err := d.createUploadSession(ctx, p, size, opts.ConflictBehavior)
	if err != nil {
		return nil, err
	}
	return d.sendChunks(ctx, sess, src, opts.Progress)
}

// uploadState is the progress of one upload. It never outlives sendChunks.
type uploadState struct {
	cursor  int64
	retries int
}

// sendChunks drives the session until the last byte range is acknowledged
// or a terminal failure occurs. Chunks go out strictly one at a time since
// the server decides which range comes next.
func (d *DriveAdapter) sendChunks(ctx context.Context, sess *uploadSession, src adapter.Source, progress adapter.ProgressFunc) (*adapter.FileMetadata, error) {
	size := sess.size
	buf := make([]byte, min(d.chunkSize, size))
	log := d.log.WithField("path", sess.path)

	fail := func(kind adapter.UploadErrorKind, rng adapter.ByteRange, status int, st uploadState, err error) error {
		uerr := &adapter.UploadError{
			Kind:       kind,
			Path:       sess.path,
			StatusCode: status,
			Range:      rng,
			Attempts:   st.retries,
			Err:        err,
		}
		log.WithFields(logrus.Fields{"range": rng.String(), "status": status}).Warnf("upload failed: %s", kind)
		return uerr
	}

	var st uploadState
	for {
		n := min(d.chunkSize, size-st.cursor)
		rng := adapter.ByteRange{Start: st.cursor, End: st.cursor + n - 1}
		if err := ctx.Err(); err != nil {
			return nil, fail(adapter.KindCancelled, rng, 0, st, err)
		}

		chunk := buf[:n]
		read, err := src.ReadAt(chunk, rng.Start)
		if int64(read) < n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, fail(adapter.KindShortRead, rng, 0, st, err)
		}

		final := rng.End == size-1
		status, body, err := d.putChunk(ctx, sess, chunk, rng)

		switch {
		case err != nil || isTransient(status):
			if st.retries >= MaxChunkRetries {
				if err == nil {
					err = fmt.Errorf("status %d", status)
				}
				return nil, fail(adapter.KindTransientService, rng, status, st, err)
			}
			if cerr := ctx.Err(); cerr != nil {
				return nil, fail(adapter.KindCancelled, rng, status, st, cerr)
			}
			delay := retrySchedule[st.retries]
			log.WithFields(logrus.Fields{
				"range":   rng.String(),
				"status":  status,
				"attempt": st.retries + 1,
				"delay":   delay,
			}).Info("chunk failed, retrying")
			if serr := d.sleep(ctx, delay); serr != nil {
				return nil, fail(adapter.KindCancelled, rng, status, st, serr)
			}
			st.retries++

		case status == http.StatusNotFound:
			return nil, fail(adapter.KindSessionExpired, rng, status, st, nil)

		case status == http.StatusAccepted && !final:
			next, err := nextCursor(body, rng, size)
			if err != nil {
				return nil, fail(adapter.KindProtocolViolation, rng, status, st, err)
			}
			st.cursor = next
			st.retries = 0
			if progress != nil {
				progress(next, size)
			}

		case status == http.StatusConflict && final:
			return nil, fail(adapter.KindNameConflict, rng, status, st, nil)

		case (status == http.StatusOK || status == http.StatusCreated) && final:
			it, err := decodeItem(body)
			if err != nil {
				return nil, fail(adapter.KindProtocolViolation, rng, status, st, err)
			}
			if progress != nil {
				progress(size, size)
			}
			md := it.metadata(sess.path)
			log.WithField("id", md.ID).Info("upload complete")
			return &md, nil

		default:
			return nil, fail(adapter.KindProtocolViolation, rng, status, st, nil)
		}
	}
}

// putChunk sends one byte range. The request runs to completion (or its own
// timeout) even if ctx is cancelled meanwhile; cancellation is observed
// between chunks.
func (d *DriveAdapter) putChunk(ctx context.Context, sess *uploadSession, chunk []byte, rng adapter.ByteRange) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, sess.URL, bytes.NewReader(chunk))
	if err != nil {
		return 0, nil, fmt.Errorf("unable to build chunk request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", contentRange(rng, sess.size))

	resp, err := d.uploadClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, fmt.Errorf("unable to read chunk response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func contentRange(rng adapter.ByteRange, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, total)
}

// nextCursor reads the first next-expected range of a 202 body. The server
// may ask for less than was sent but never for bytes before the range just
// sent or past the ones it has seen.
func nextCursor(body []byte, sent adapter.ByteRange, size int64) (int64, error) {
	var resp struct {
		NextExpectedRanges []string `json:"nextExpectedRanges"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("unable to decode 202 body: %w", err)
	}
	if len(resp.NextExpectedRanges) == 0 {
		return 0, errors.New("202 without next expected ranges")
	}
	next, err := parseRangeStart(resp.NextExpectedRanges[0])
	if err != nil {
		return 0, err
	}
	if next <= sent.Start || next > sent.End+1 || next >= size {
		return 0, fmt.Errorf("next expected offset %d outside (%d, %d]", next, sent.Start, sent.End+1)
	}
	return next, nil
}

// parseRangeStart parses "start-end" or "start-".
func parseRangeStart(s string) (int64, error) {
	start, _, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, fmt.Errorf("malformed range %q", s)
	}
	v, err := strconv.ParseInt(start, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("malformed range %q", s)
	}
	return v, nil
}

func decodeItem(data []byte) (*driveItem, error) {
	var it driveItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("unable to decode drive item: %w", err)
	}
	if it.ID == "" {
		return nil, errors.New("drive item without id")
	}
	return &it, nil
}
