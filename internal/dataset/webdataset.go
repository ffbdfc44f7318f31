package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sample is a paired image/label record from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path. Samples arrive in
// the order their second member appears in the archive.
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
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			part := pending[key]
			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.image = data
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read label %s", name)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse label %s", name)
					return
				}
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Sample{Key: key, Image: part.image, Label: *part.label}:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%s: %d samples incomplete", path, len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

// LoadShards reads every shard in order and turns each image into a grid×grid
// grayscale feature vector. Images that fail to decode are skipped. Labels at
// or above numClasses are folded back into range.
func LoadShards(ctx context.Context, paths []string, grid, numClasses int) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, errors.New("dataset: no shards to load")
	}
	ds := &Dataset{NumClasses: numClasses}
	skipped := 0
	for _, path := range paths {
		samples, errCh := StreamShard(ctx, path, 0)
		for sample := range samples {
			features, err := ExtractFeatures(sample.Image, grid)
			if err != nil {
				skipped++
				continue
			}
			ds.Features = append(ds.Features, features)
			ds.Labels = append(ds.Labels, clampLabel(sample.Label, numClasses))
		}
		if err := <-errCh; err != nil {
			return nil, errors.Wrapf(err, "load shard %s", path)
		}
	}
	if skipped > 0 {
		klog.Warningf("skipped=%d undecodable images", skipped)
	}
	if ds.Len() == 0 {
		return nil, errors.New("dataset: shards contained no decodable samples")
	}
	return ds, nil
}

func clampLabel(label, numClasses int) int {
	if label < 0 {
		return 0
	}
	if label >= numClasses {
		return label % numClasses
	}
	return label
}
