package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dropscribe/internal/domain"
)

// Hub downloads assets from a Hugging Face style file server:
// <base>/<repo>/resolve/<revision>/<file>.
type Hub struct {
	baseURL   string
	token     string
	client    *http.Client
	userAgent string
}

// NewHub builds a hub client. A zero timeout means no per-request limit.
func NewHub(baseURL, token string, timeout time.Duration) *Hub {
	return &Hub{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     strings.TrimSpace(token),
		client:    &http.Client{Timeout: timeout},
		userAgent: "dropscribe",
	}
}

// URL returns the download location of an asset.
func (h *Hub) URL(asset domain.ModelAsset) string {
	revision := asset.Revision
	if revision == "" {
		revision = defaultRevision
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, asset.Repo, url.PathEscape(revision), url.PathEscape(asset.File))
}

// Fetch stores asset at dest. An existing dest is left alone. Bytes already
// in dest+".part" are kept and the transfer resumes after them.
func (h *Hub) Fetch(ctx context.Context, asset domain.ModelAsset, dest string) error {
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("prepare destination directory: %w", err)
	}

	part := dest + partSuffix
	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
	}
	if asset.Size > 0 && offset > asset.Size {
		// Larger than the file can be; start over.
		if err := os.Remove(part); err != nil {
			return fmt.Errorf("remove oversized partial file: %w", err)
		}
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL(asset), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", asset.File, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			return finalize(part, dest)
		}
		return fmt.Errorf("download %s: unexpected HTTP status: %s", asset.File, resp.Status)
	default:
		return fmt.Errorf("download %s: unexpected HTTP status: %s", asset.File, resp.Status)
	}

	file, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write %s: %w", asset.File, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}

	total := offset + written
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return fmt.Errorf("download %s: short body (%d of %d bytes)", asset.File, written, resp.ContentLength)
	}
	if asset.Size > 0 && total != asset.Size {
		return fmt.Errorf("download %s: size mismatch (%d bytes, expected %d)", asset.File, total, asset.Size)
	}
	return finalize(part, dest)
}

func finalize(part, dest string) error {
	if err := os.Rename(part, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("partial file vanished before rename: %w", err)
		}
		return fmt.Errorf("move downloaded file into place: %w", err)
	}
	return nil
}
