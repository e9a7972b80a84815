package builder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// zipEpoch is the modification time stored for every archive entry so the
// archive only depends on file names, modes and contents.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ZipContext writes the files of bc to w as a ZIP archive with sorted
// entries and fixed timestamps.
func ZipContext(bc *BuildContext, w io.Writer) error {
	files, err := bc.Files()
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for _, rel := range files {
		path := filepath.Join(bc.BaseDir, filepath.FromSlash(rel))
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: zipEpoch}
		hdr.SetMode(fi.Mode().Perm())
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("zip %s: %w", rel, err)
		}
	}
	return zw.Close()
}

// ErrUnsafeArchive is returned for archives whose entries would be written
// outside the destination or exceed the size limit.
var ErrUnsafeArchive = errors.New("unsafe archive")

// ExtractZip unpacks a ZIP archive into dest. Entries that escape dest,
// symlinks, and archives whose uncompressed size exceeds maxBytes (when
// positive) are rejected.
func ExtractZip(r io.ReaderAt, size int64, dest string, maxBytes int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		target := filepath.Join(root, name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: entry %q escapes the destination", ErrUnsafeArchive, f.Name)
		}
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: entry %q is a symlink", ErrUnsafeArchive, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		n, err := extractFile(f, target, mode.Perm()|0o600, maxBytes-total, maxBytes > 0)
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func extractFile(f *zip.File, target string, perm os.FileMode, remaining int64, limited bool) (int64, error) {
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	var reader io.Reader = src
	if limited {
		reader = io.LimitReader(src, remaining+1)
	}
	n, err := io.Copy(dst, reader)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if limited && n > remaining {
		return n, fmt.Errorf("%w: archive exceeds the size limit", ErrUnsafeArchive)
	}
	return n, nil
}
