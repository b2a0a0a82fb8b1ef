// Package image resolves box names to local qcow2 base images, downloading
// them from the box catalog on first use.
package image

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hostforge/vmlab/internal/domain"
)

type Resolver struct {
	imageDir   string
	catalogURL string
	http       *retryablehttp.Client
	logger     *slog.Logger
	mu         sync.Mutex
}

func NewResolver(imageDir, catalogURL string, logger *slog.Logger) (*Resolver, error) {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir %s: %w", imageDir, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil

	return &Resolver{
		imageDir:   imageDir,
		catalogURL: strings.TrimRight(catalogURL, "/"),
		http:       rc,
		logger:     logger,
	}, nil
}

// Resolve returns a local base image path for box. A box naming a file path
// is used as-is, otherwise the image dir is consulted and the catalog is the
// fallback. Every failure mode reports the box as unresolvable.
func (r *Resolver) Resolve(ctx context.Context, box string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.ContainsRune(box, os.PathSeparator) {
		if _, err := os.Stat(box); err != nil {
			return "", domain.ErrImageNotFound{Box: box, Err: err}
		}
		return box, nil
	}

	local := filepath.Join(r.imageDir, box+".qcow2")
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	if err := r.download(ctx, box, local); err != nil {
		return "", domain.ErrImageNotFound{Box: box, Err: err}
	}
	return local, nil
}

func (r *Resolver) download(ctx context.Context, box, dest string) error {
	url := fmt.Sprintf("%s/boxes/%s.qcow2", r.catalogURL, box)
	r.logger.Info("downloading box", "box", box, "url", url)
	start := time.Now()

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(r.imageDir, box+".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	r.logger.Info("box downloaded", "box", box, "bytes", n, "took", time.Since(start).String())
	return nil
}
