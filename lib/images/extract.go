package images

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/pgzip"
	"github.com/onkernel/hubrun/lib/logger"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// ExtractOptions tunes layer extraction.
type ExtractOptions struct {
	// HonorWhiteouts applies `.wh.` deletion markers against earlier
	// layers. When false the markers are skipped and nothing is deleted.
	HonorWhiteouts bool
}

// ExtractStats summarizes one extracted layer.
type ExtractStats struct {
	Entries   int   // filesystem objects created
	Bytes     int64 // regular file bytes written
	Whiteouts int   // deletion markers applied
	Skipped   int   // entries of unsupported types (devices, fifos)
}

// ExtractLayer decompresses a gzip tar layer from r and applies it on top
// of root. Entries that already exist at the same path are replaced.
//
// Every entry name is treated as hostile:
// - names that resolve outside root lexically (absolute, `..`) are rejected
// - parent directories are resolved with securejoin so symlinks laid down
//   by earlier entries or layers cannot redirect writes out of root
// - hard link targets are held to the same rules
func ExtractLayer(ctx context.Context, r io.Reader, root string, opts ExtractOptions) (*ExtractStats, error) {
	log := logger.FromContext(ctx)

	gzr, err := pgzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip reader: %w", ErrExtraction, err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	x := &extractor{
		root:     root,
		opts:     opts,
		stats:    &ExtractStats{},
		dirModes: make(map[string]os.FileMode),
		written:  make(map[string]struct{}),
	}

	for {
		if err := ctx.Err(); err != nil {
			return x.stats, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return x.stats, fmt.Errorf("%w: %w: %s", ErrExtraction, ErrPathTraversal, hdr.Name)
		}
		if err != nil {
			return x.stats, fmt.Errorf("%w: read tar header: %w", ErrExtraction, err)
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return x.stats, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		if rel == "." {
			continue
		}

		base := filepath.Base(rel)
		if strings.HasPrefix(base, whiteoutPrefix) {
			if !opts.HonorWhiteouts {
				log.DebugContext(ctx, "ignoring whiteout", "path", rel)
				continue
			}
			if err := x.whiteout(rel); err != nil {
				return x.stats, fmt.Errorf("%w: whiteout %s: %w", ErrExtraction, hdr.Name, err)
			}
			continue
		}

		if err := x.entry(hdr, tr, rel); err != nil {
			if errors.Is(err, errUnsupportedEntry) {
				log.DebugContext(ctx, "skipping entry", "path", rel, "type", string(hdr.Typeflag))
				x.stats.Skipped++
				continue
			}
			return x.stats, fmt.Errorf("%w: %s: %w", ErrExtraction, hdr.Name, err)
		}
	}

	// Directory modes go on last so read-only directories don't block
	// their own contents. Deepest first.
	dirs := slices.Sorted(maps.Keys(x.dirModes))
	slices.Reverse(dirs)
	for _, rel := range dirs {
		target, err := x.resolve(rel)
		if err != nil {
			return x.stats, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		if err := chmodDir(target, x.dirModes[rel]); err != nil {
			return x.stats, fmt.Errorf("%w: chmod %s: %w", ErrExtraction, rel, err)
		}
	}

	return x.stats, nil
}

var errUnsupportedEntry = errors.New("unsupported entry type")

// extractor holds the state of one layer application.
type extractor struct {
	root  string
	opts  ExtractOptions
	stats *ExtractStats

	// dirModes holds the mode of every directory entry, keyed by
	// root-relative path, until the layer is done.
	dirModes map[string]os.FileMode

	// written records the paths this layer created, so an opaque marker
	// only clears what earlier layers left behind.
	written map[string]struct{}
}

// entryPath cleans an archive entry name into a root-relative path and
// rejects names that climb out of the root.
func entryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrPathTraversal, name)
	}
	rel := filepath.Clean(name)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return rel, nil
}

// resolve returns the on-disk path for rel. The parent is resolved inside
// root; the final component is not followed so an existing symlink there
// gets replaced rather than written through.
func (x *extractor) resolve(rel string) (string, error) {
	parent, err := securejoin.SecureJoin(x.root, filepath.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader, rel string) error {
	target, err := x.resolve(rel)
	if err != nil {
		return err
	}
	mode := hdr.FileInfo().Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
			if err := os.Remove(target); err != nil {
				return fmt.Errorf("replace %s: %w", rel, err)
			}
			x.forget(rel)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
		x.dirModes[rel] = mode

	case tar.TypeReg:
		if err := x.prepare(rel, target); err != nil {
			return err
		}
		// O_EXCL: the path was just cleared, so this never follows a link.
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		n, err := io.Copy(f, r)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("write file: %w", err)
		}
		if closeErr != nil {
			return fmt.Errorf("close file: %w", closeErr)
		}
		if err := os.Chmod(target, mode); err != nil {
			return fmt.Errorf("chmod file: %w", err)
		}
		x.stats.Bytes += n

	case tar.TypeSymlink:
		// Targets are left as-is: they are resolved inside the chroot at
		// run time, and writes through them are contained by resolve.
		if err := x.prepare(rel, target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	case tar.TypeLink:
		linkRel, err := entryPath(hdr.Linkname)
		if err != nil {
			return err
		}
		// The source's last component is not followed: a link to a
		// symlink is a second name for the symlink.
		source, err := x.resolve(linkRel)
		if err != nil {
			return fmt.Errorf("resolve link target: %w", err)
		}
		if err := x.prepare(rel, target); err != nil {
			return err
		}
		if err := hardlink(source, target); err != nil {
			return fmt.Errorf("create hardlink: %w", err)
		}

	default:
		return errUnsupportedEntry
	}

	x.written[rel] = struct{}{}
	x.stats.Entries++
	return nil
}

// prepare creates target's parent and clears whatever an earlier entry or
// layer left at target.
func (x *extractor) prepare(rel, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if _, err := os.Lstat(target); err == nil {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("replace existing entry: %w", err)
		}
		x.forget(rel)
	}
	return nil
}

// forget drops pending directory modes for rel and everything under it
// once that subtree has been removed.
func (x *extractor) forget(rel string) {
	prefix := rel + string(filepath.Separator)
	maps.DeleteFunc(x.dirModes, func(path string, _ os.FileMode) bool {
		return path == rel || strings.HasPrefix(path, prefix)
	})
}

// whiteout applies a deletion marker. `.wh.<name>` removes <name>;
// `.wh..wh..opq` empties the directory of everything earlier layers put
// there.
func (x *extractor) whiteout(rel string) error {
	dirRel := filepath.Dir(rel)
	base := filepath.Base(rel)

	if base == whiteoutOpaque {
		dir, err := securejoin.SecureJoin(x.root, dirRel)
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			childRel := filepath.Join(dirRel, e.Name())
			if _, ok := x.written[childRel]; ok {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
			x.forget(childRel)
		}
		x.stats.Whiteouts++
		return nil
	}

	victimRel := filepath.Join(dirRel, strings.TrimPrefix(base, whiteoutPrefix))
	victim, err := x.resolve(victimRel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(victim); err != nil {
		return err
	}
	x.forget(victimRel)
	x.stats.Whiteouts++
	return nil
}
