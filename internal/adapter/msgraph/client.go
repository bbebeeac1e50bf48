// Package msgraph implements adapter.StorageAdapter over Microsoft Graph drives,
// either a user's personal drive or the document library of a site.
package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jun/graphdrive/internal/adapter"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultRequestTimeout bounds a single chunk request.
const DefaultRequestTimeout = 90 * time.Second

// maxResponseBody caps how much of a JSON response we are willing to buffer.
const maxResponseBody = 4 << 20

// Mode selects how the drive is addressed.
type Mode string

const (
	ModePersonal Mode = "personal"
	ModeSite     Mode = "site"
)

// ParseMode accepts "personal"/"onedrive" and "site"/"sharepoint".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "personal", "onedrive", "":
		return ModePersonal, nil
	case "site", "sharepoint":
		return ModeSite, nil
	}
	return "", fmt.Errorf("%w: %q", adapter.ErrUnknownMode, s)
}

// Options configures a DriveAdapter.
type Options struct {
	Mode Mode
	// SiteID is the site identifier or "hostname:/sites/path" in site mode.
	SiteID string
	// DriveName picks a named document library of the site instead of its default drive.
	DriveName string
	// DrivePath skips site resolution when already known ("/drives/{id}").
	DrivePath string

	BaseURL string
	// UploadClient sends chunk requests. It must not attach credentials.
	UploadClient     *http.Client
	ChunkSize        int64
	RequestTimeout   time.Duration
	ConflictBehavior adapter.ConflictBehavior
	Logger           logrus.FieldLogger
}

// APIError is an error response from Graph.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph: status %d", e.StatusCode)
	}
	return fmt.Sprintf("graph: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

func statusOf(err error) int {
	var gErr *APIError
	if errors.As(err, &gErr) {
		return gErr.StatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// DriveAdapter implements adapter.StorageAdapter for a Graph drive.
type DriveAdapter struct {
	client       *http.Client
	uploadClient *http.Client
	baseURL      string
	drive        string
	mode         Mode

	chunkSize      int64
	requestTimeout time.Duration
	conflict       adapter.ConflictBehavior
	log            logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriveAdapter creates a DriveAdapter. client must carry the bearer
// credentials (see oauth2.NewClient); in site mode the site and optional
// drive name are resolved here.
func NewDriveAdapter(ctx context.Context, client *http.Client, opts Options) (*DriveAdapter, error) {
	if client == nil {
		return nil, errors.New("msgraph: nil http client")
	}
	d := &DriveAdapter{
		client:         client,
		uploadClient:   opts.UploadClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		mode:           opts.Mode,
		chunkSize:      opts.ChunkSize,
		requestTimeout: opts.RequestTimeout,
		conflict:       opts.ConflictBehavior,
		log:            opts.Logger,
		sleep:          sleepContext,
	}
	if d.baseURL == "" {
		d.baseURL = DefaultBaseURL
	}
	if d.uploadClient == nil {
		d.uploadClient = &http.Client{}
	}
	if d.chunkSize == 0 {
		d.chunkSize = DefaultChunkSize
	}
	if d.chunkSize < 0 || d.chunkSize%ChunkAlignment != 0 {
		return nil, fmt.Errorf("msgraph: chunk size %d is not a positive multiple of %d", d.chunkSize, ChunkAlignment)
	}
	if d.requestTimeout <= 0 {
		d.requestTimeout = DefaultRequestTimeout
	}
	if d.conflict == "" {
		d.conflict = adapter.ConflictRename
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}

	switch opts.Mode {
	case ModePersonal:
		d.drive = "/me/drive"
	case ModeSite:
		if opts.DrivePath != "" {
			d.drive = opts.DrivePath
			break
		}
		drive, err := d.resolveSiteDrive(ctx, opts.SiteID, opts.DriveName)
		if err != nil {
			return nil, err
		}
		d.drive = drive
	default:
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnknownMode, opts.Mode)
	}
	return d, nil
}

// DrivePath returns the Graph path prefix of the drive ("/me/drive", "/drives/{id}", ...).
func (d *DriveAdapter) DrivePath() string { return d.drive }

func (d *DriveAdapter) resolveSiteDrive(ctx context.Context, siteID, driveName string) (string, error) {
	if siteID == "" {
		return "", fmt.Errorf("%w: empty site id", adapter.ErrSiteInvalid)
	}
	var site struct {
		ID string `json:"id"`
	}
	if err := d.doJSON(ctx, http.MethodGet, "/sites/"+siteID, nil, &site); err != nil {
		switch statusOf(err) {
		case http.StatusBadRequest, http.StatusNotFound:
			return "", fmt.Errorf("%w: the site %s is invalid", adapter.ErrSiteInvalid, siteID)
		}
		return "", fmt.Errorf("unable to resolve site: %w", err)
	}
	if driveName == "" {
		return "/sites/" + site.ID + "/drive", nil
	}

	var drives struct {
		Value []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := d.doJSON(ctx, http.MethodGet, "/sites/"+site.ID+"/drives", nil, &drives); err != nil {
		return "", fmt.Errorf("unable to list site drives: %w", err)
	}
	for _, drv := range drives.Value {
		if drv.Name == driveName {
			return "/drives/" + drv.ID, nil
		}
	}
	return "", fmt.Errorf("%w: the site drive %q could not be found", adapter.ErrDriveNotFound, driveName)
}

// itemPath addresses an item by its drive-relative path.
func (d *DriveAdapter) itemPath(p string) string {
	p = adapter.CleanPath(p)
	if p == "" {
		return d.drive + "/root"
	}
	return d.drive + "/root:/" + escapePath(p)
}

// childrenPath addresses the children collection of a folder.
func (d *DriveAdapter) childrenPath(dir string) string {
	dir = adapter.CleanPath(dir)
	if dir == "" {
		return d.drive + "/root/children"
	}
	return d.drive + "/root:/" + escapePath(dir) + ":/children"
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (d *DriveAdapter) resolve(ref string) string {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref
	}
	return d.baseURL + ref
}

// do issues an authenticated request and returns the response body of a
// successful call. Error statuses come back as *APIError.
func (d *DriveAdapter) do(ctx context.Context, method, ref, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.resolve(ref), body)
	if err != nil {
		return nil, fmt.Errorf("unable to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (d *DriveAdapter) doJSON(ctx context.Context, method, ref string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}
	data, err := d.do(ctx, method, ref, contentType, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}

func parseAPIError(status int, data []byte) *APIError {
	var envelope struct {
		Error APIError `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	e := envelope.Error
	e.StatusCode = status
	return &e
}
