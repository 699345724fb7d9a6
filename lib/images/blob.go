package images

import (
	"errors"
	"fmt"
	"io"
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
)

// Blob is a downloaded layer held in a spill file. Only one blob is live
// at a time during a pull; Close releases it.
type Blob struct {
	*os.File

	// Size is the number of bytes downloaded.
	Size int64
}

// Close closes and removes the spill file.
func (b *Blob) Close() error {
	closeErr := b.File.Close()
	removeErr := os.Remove(b.File.Name())
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(closeErr, removeErr)
}

// spool copies r into a fresh spill file, enforcing the size limit and,
// when enabled, the layer digest. The returned blob is rewound.
func spool(r io.Reader, layer v1.Descriptor, cfg RegistryConfig) (*Blob, error) {
	var verifier digest.Verifier
	if cfg.VerifyDigests {
		d, err := digest.Parse(layer.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("parse digest: %w", err)
		}
		verifier = d.Verifier()
	}

	f, err := os.CreateTemp(cfg.SpillDir, "hubrun-layer-*")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	blob := &Blob{File: f}

	src := r
	if cfg.MaxBlobBytes > 0 {
		// One extra byte tells an exact-limit blob from an oversized one.
		src = io.LimitReader(r, cfg.MaxBlobBytes+1)
	}

	var dst io.Writer = f
	if verifier != nil {
		dst = io.MultiWriter(f, verifier)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("download: %w", err)
	}
	blob.Size = n

	if cfg.MaxBlobBytes > 0 && n > cfg.MaxBlobBytes {
		blob.Close()
		return nil, fmt.Errorf("blob exceeds %d bytes", cfg.MaxBlobBytes)
	}
	if verifier != nil && !verifier.Verified() {
		blob.Close()
		return nil, fmt.Errorf("content does not match digest")
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		blob.Close()
		return nil, fmt.Errorf("rewind spill file: %w", err)
	}
	return blob, nil
}
