// Package transfer moves one host's collected tool data from a remote
// coordinator to the sink: a zstd compressed tar of the host subtree, an md5
// checksum header and a PUT retried only on connection errors.
package transfer

import (
	"archive/tar"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArchiveExt is appended to the host name to form the archive file name.
const ArchiveExt = ".tar.zst"

var (
	ErrUnsafePath = errors.New("transfer: unsafe archive path")
	ErrChecksum   = errors.New("transfer: checksum mismatch")
	ErrRejected   = errors.New("transfer: delivery rejected")
)

// Archive writes parent/host as a compressed tar to dst. Entry names start with
// host/ so the archive extracts back into a host directory. It returns the
// md5 hex digest and size of the written archive.
func Archive(parent, host, dst string) (string, int64, error) {
	root := filepath.Join(parent, host)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", 0, fmt.Errorf("transfer: archive source %s: not a directory", root)
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("transfer: create archive: %w", err)
	}
	digest := md5.New()
	counter := &countingWriter{w: io.MultiWriter(out, digest)}

	err = writeTar(root, host, counter)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", 0, err
	}
	return hex.EncodeToString(digest.Sum(nil)), counter.n, nil
}

func writeTar(root, host string, w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("transfer: zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := host
		if rel != "." {
			name = path.Join(host, filepath.ToSlash(rel))
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, fifos and links have no place in collected data.
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})
	if walkErr != nil {
		tw.Close()
		enc.Close()
		return fmt.Errorf("transfer: tar %s: %w", root, walkErr)
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return fmt.Errorf("transfer: tar close: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("transfer: zstd close: %w", err)
	}
	return nil
}

// Extract unpacks an archive produced by Archive into parent. Every entry must
// live under host/; anything else fails the whole extraction.
func Extract(r io.Reader, parent, host string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("transfer: zstd reader: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transfer: read tar: %w", err)
		}
		target, err := safeTarget(parent, host, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("transfer: mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("transfer: mkdir: %w", err)
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s: unsupported entry type %q", ErrUnsafePath, hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("transfer: create %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("transfer: write %s: %w", target, err)
	}
	return f.Close()
}

func safeTarget(parent, host, name string) (string, error) {
	clean := path.Clean(strings.TrimSuffix(name, "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	first, _, _ := strings.Cut(clean, "/")
	if first != host {
		return "", fmt.Errorf("%w: %s outside %s/", ErrUnsafePath, name, host)
	}
	return filepath.Join(parent, filepath.FromSlash(clean)), nil
}

// DirectoryHash is the routing hash for a run directory in sink URLs.
func DirectoryHash(directory string) string {
	sum := md5.Sum([]byte(directory))
	return hex.EncodeToString(sum[:])
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
