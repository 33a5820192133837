package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/ulikunitz/xz"
)

const (
	contentTypeRaw = "application/octet-stream"
	contentTypeXZ  = "application/x-xz"
)

// Item is a host file to publish
type Item struct {
	// Path is the host file
	Path string
	// Compress uploads an xz stream under Path's name plus ".xz"
	Compress bool
}

// Published describes one uploaded object
type Published struct {
	Source string
	Key    string
	Size   int64
}

// Publisher uploads build artifacts under a common key prefix
type Publisher struct {
	backend Backend
}

// NewPublisher creates a publisher for backend
func NewPublisher(backend Backend) *Publisher {
	return &Publisher{backend: backend}
}

// Backend returns the destination backend
func (p *Publisher) Backend() Backend {
	return p.backend
}

// Publish uploads every item below prefix. It stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, prefix string, items ...Item) ([]Published, error) {
	out := make([]Published, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pub, err := p.publish(ctx, prefix, item)
		if err != nil {
			return out, err
		}
		if err := p.removeVariant(ctx, pub.Key, item.Compress); err != nil {
			return out, err
		}
		log.Info("Published artifact", "key", pub.Key, "size", pub.Size, "location", p.backend.Location())
		out = append(out, pub)
	}
	return out, nil
}

func (p *Publisher) publish(ctx context.Context, prefix string, item Item) (Published, error) {
	f, err := os.Open(item.Path)
	if err != nil {
		return Published{}, errors.ErrIO.WithMessagef("failed to open %s", item.Path).WithCause(err)
	}
	defer f.Close()

	key := path.Join(prefix, filepath.Base(item.Path))
	body := io.ReadSeeker(f)
	contentType := contentTypeRaw

	if item.Compress {
		tmp, err := compressToTemp(f)
		if err != nil {
			return Published{}, errors.ErrIO.WithMessagef("failed to compress %s", item.Path).WithCause(err)
		}
		defer func() {
			tmp.Close()
			os.Remove(tmp.Name())
		}()
		body = tmp
		key += ".xz"
		contentType = contentTypeXZ
	}

	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return Published{}, errors.ErrIO.WithMessagef("failed to size %s", item.Path).WithCause(err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return Published{}, errors.ErrIO.WithMessagef("failed to rewind %s", item.Path).WithCause(err)
	}

	if err := p.backend.Upload(ctx, key, body, size, contentType); err != nil {
		return Published{}, errors.ErrStorage.WithMessagef("failed to upload %s", key).WithCause(err)
	}
	return Published{Source: item.Path, Key: key, Size: size}, nil
}

// removeVariant deletes the other encoding of key left by an earlier
// publish, so a prefix never holds both fs.img and fs.img.xz
func (p *Publisher) removeVariant(ctx context.Context, key string, compressed bool) error {
	stale := key + ".xz"
	if compressed {
		stale = strings.TrimSuffix(key, ".xz")
	}
	ok, err := p.backend.Exists(ctx, stale)
	if err != nil {
		return errors.ErrStorage.WithMessagef("failed to check %s", stale).WithCause(err)
	}
	if !ok {
		return nil
	}
	if err := p.backend.Delete(ctx, stale); err != nil {
		return errors.ErrStorage.WithMessagef("failed to remove %s", stale).WithCause(err)
	}
	log.Info("Removed stale artifact", "key", stale)
	return nil
}

// List returns the objects published below prefix
func (p *Publisher) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objects, err := p.backend.List(ctx, prefix)
	if err != nil {
		return nil, errors.ErrStorage.WithMessagef("failed to list %s", prefix).WithCause(err)
	}
	return objects, nil
}

// compressToTemp writes an xz stream of r to a temporary file the caller removes
func compressToTemp(r io.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp("", "kimage-publish-*.xz")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*os.File, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}

	w, err := xz.NewWriter(tmp)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	return tmp, nil
}
