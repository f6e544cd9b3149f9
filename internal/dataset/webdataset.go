package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sample is an image paired with its segmentation mask from a shard.
type Sample struct {
	Key   string
	Image []byte
	Mask  []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const (
	defaultPendingCap = 1024
	maskSuffix        = ".mask.png"
)

// StreamShard streams paired samples from the shard at path. Each sample is
// stored as <key>.jpg|.jpeg|.png plus <key>.mask.png.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			key, isMask, ok := classify(name)
			if !ok {
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", name, err)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if isMask {
				part.mask = data
			} else {
				part.image = data
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Image: part.image, Mask: part.mask}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("webdataset: %d samples incomplete in %s", len(pending), filepath.Base(path))
		}
	}()

	return out, errCh
}

// classify splits a member name into its sample key and role.
func classify(name string) (key string, isMask bool, ok bool) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, maskSuffix) {
		return name[:len(name)-len(maskSuffix)], true, true
	}
	ext := filepath.Ext(lower)
	switch ext {
	case ".jpg", ".jpeg", ".png":
		return name[:len(name)-len(ext)], false, true
	}
	return "", false, false
}

type partial struct {
	image []byte
	mask  []byte
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && len(p.mask) > 0
}
