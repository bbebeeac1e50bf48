package msgraph

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jun/graphdrive/internal/adapter"
)

// driveItem is the subset of the Graph driveItem resource we read.
type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	WebURL               string    `json:"webUrl"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file,omitempty"`
	Folder *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
}

func (it *driveItem) metadata(p string) adapter.FileMetadata {
	md := adapter.FileMetadata{
		ID:           it.ID,
		Name:         it.Name,
		Path:         p,
		ModifiedTime: it.LastModifiedDateTime,
		Size:         it.Size,
		ETag:         it.ETag,
		WebURL:       it.WebURL,
		IsFolder:     it.Folder != nil,
	}
	if it.File != nil {
		md.MIMEType = it.File.MimeType
	}
	return md
}

func (d *DriveAdapter) getItem(ctx context.Context, p string) (*driveItem, error) {
	var it driveItem
	if err := d.doJSON(ctx, http.MethodGet, d.itemPath(p), nil, &it); err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to get item metadata: %w", err)
	}
	return &it, nil
}

// Has reports whether an item exists at path.
func (d *DriveAdapter) Has(ctx context.Context, p string) (bool, error) {
	_, err := d.getItem(ctx, p)
	if err == adapter.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns the metadata of the item at path.
func (d *DriveAdapter) Stat(ctx context.Context, p string) (*adapter.FileMetadata, error) {
	it, err := d.getItem(ctx, p)
	if err != nil {
		return nil, err
	}
	md := it.metadata(adapter.CleanPath(p))
	return &md, nil
}

// Read retrieves a file's content and metadata.
func (d *DriveAdapter) Read(ctx context.Context, p string) (*adapter.File, error) {
	it, err := d.getItem(ctx, p)
	if err != nil {
		return nil, err
	}

	var content []byte
	if it.Folder == nil {
		content, err = d.do(ctx, http.MethodGet, d.drive+"/items/"+it.ID+"/content", "", nil)
		if err != nil {
			if isNotFound(err) {
				return nil, adapter.ErrNotFound
			}
			return nil, fmt.Errorf("unable to download file: %w", err)
		}
	}
	return &adapter.File{FileMetadata: it.metadata(adapter.CleanPath(p)), Content: content}, nil
}

// Write stores content at path with a single request.
func (d *DriveAdapter) Write(ctx context.Context, p string, content []byte) (*adapter.FileMetadata, error) {
	p = adapter.CleanPath(p)
	if p == "" {
		return nil, fmt.Errorf("unable to write file: empty path")
	}
	data, err := d.do(ctx, http.MethodPut, d.itemPath(p)+":/content", mimetype.Detect(content).String(), bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("unable to write file: %w", err)
	}
	it, err := decodeItem(data)
	if err != nil {
		return nil, err
	}
	md := it.metadata(p)
	return &md, nil
}

// List yields the entries under dir. Pages and subfolders are fetched only
// as the caller keeps iterating.
func (d *DriveAdapter) List(ctx context.Context, dir string, recursive bool) iter.Seq2[adapter.FileMetadata, error] {
	return func(yield func(adapter.FileMetadata, error) bool) {
		d.walk(ctx, adapter.CleanPath(dir), recursive, yield)
	}
}

func (d *DriveAdapter) walk(ctx context.Context, dir string, recursive bool, yield func(adapter.FileMetadata, error) bool) bool {
	next := d.childrenPath(dir)
	for next != "" {
		var page struct {
			Value    []driveItem `json:"value"`
			NextLink string      `json:"@odata.nextLink"`
		}
		if err := d.doJSON(ctx, http.MethodGet, next, nil, &page); err != nil {
			if isNotFound(err) {
				err = adapter.ErrNotFound
			} else {
				err = fmt.Errorf("unable to list %q: %w", dir, err)
			}
			yield(adapter.FileMetadata{}, err)
			return false
		}
		for i := range page.Value {
			md := page.Value[i].metadata(adapter.JoinPath(dir, page.Value[i].Name))
			if !yield(md, nil) {
				return false
			}
			if recursive && md.IsFolder {
				if !d.walk(ctx, md.Path, true, yield) {
					return false
				}
			}
		}
		next = page.NextLink
	}
	return true
}

// Delete removes the item at path.
func (d *DriveAdapter) Delete(ctx context.Context, p string) error {
	it, err := d.getItem(ctx, p)
	if err != nil {
		return err
	}
	if _, err := d.do(ctx, http.MethodDelete, d.drive+"/items/"+it.ID, "", nil); err != nil {
		if isNotFound(err) {
			return adapter.ErrNotFound
		}
		return fmt.Errorf("unable to delete file: %w", err)
	}
	return nil
}

// URL returns a web URL for the item. On a personal drive an anonymous edit
// link is created; site items expose their library URL.
func (d *DriveAdapter) URL(ctx context.Context, p string) (string, error) {
	it, err := d.getItem(ctx, p)
	if err != nil {
		return "", err
	}
	if d.mode != ModePersonal {
		return it.WebURL, nil
	}

	var perm struct {
		Link struct {
			WebURL string `json:"webUrl"`
		} `json:"link"`
	}
	body := map[string]string{"type": "edit", "scope": "anonymous"}
	if err := d.doJSON(ctx, http.MethodPost, d.drive+"/items/"+it.ID+"/createLink", body, &perm); err != nil {
		return "", fmt.Errorf("unable to create link: %w", err)
	}
	return perm.Link.WebURL, nil
}
