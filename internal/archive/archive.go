// Package archive serializes an auth directory tree into a single tar blob
// and restores it.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// PackError reports a path that could not be read while packing.
type PackError struct {
	Path string
	Err  error
}

func (e *PackError) Error() string {
	return fmt.Sprintf("archive pack %s: %v", e.Path, e.Err)
}

func (e *PackError) Unwrap() error { return e.Err }

// UnpackError reports malformed archive data.
type UnpackError struct {
	Entry string
	Err   error
}

func (e *UnpackError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("archive unpack: %v", e.Err)
	}
	return fmt.Sprintf("archive unpack %s: %v", e.Entry, e.Err)
}

func (e *UnpackError) Unwrap() error { return e.Err }

var (
	errUnsafePath      = errors.New("entry escapes destination")
	errUnsupportedType = errors.New("unsupported entry type")
)

// Pack builds a tar archive holding the given paths, which are relative to
// root. Directories are walked recursively and entries are emitted in a
// stable order.
func Pack(root string, paths []string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, rel := range paths {
		full := filepath.Join(root, rel)
		if _, err := os.Lstat(full); err != nil {
			return nil, &PackError{Path: full, Err: err}
		}
		err := filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return addEntry(tw, root, p, d)
		})
		if err != nil {
			var packErr *PackError
			if errors.As(err, &packErr) {
				return nil, err
			}
			return nil, &PackError{Path: full, Err: err}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, &PackError{Path: root, Err: err}
	}
	return buf.Bytes(), nil
}

func addEntry(tw *tar.Writer, root string, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return &PackError{Path: p, Err: err}
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return &PackError{Path: p, Err: errUnsupportedType}
	}

	rel, err := filepath.Rel(root, p)
	if err != nil {
		return &PackError{Path: p, Err: err}
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return &PackError{Path: p, Err: err}
	}
	hdr.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		hdr.Name += "/"
	}
	// Ownership is meaningless across hosts.
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return &PackError{Path: p, Err: err}
	}
	if info.IsDir() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return &PackError{Path: p, Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return &PackError{Path: p, Err: err}
	}
	return nil
}

// Unpack extracts the archive under dest. Extraction happens in a staging
// directory next to dest; only when the whole archive has been read are the
// top-level entries moved into place, replacing existing ones. On error the
// destination is left untouched.
func Unpack(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return &UnpackError{Err: err}
	}

	staging, err := os.MkdirTemp(filepath.Dir(filepath.Clean(dest)), "."+filepath.Base(dest)+".staging-*")
	if err != nil {
		return &UnpackError{Err: err}
	}
	defer os.RemoveAll(staging)

	tops, err := extract(r, staging)
	if err != nil {
		return err
	}

	for _, top := range tops {
		target := filepath.Join(dest, top)
		if err := os.RemoveAll(target); err != nil {
			return &UnpackError{Entry: top, Err: err}
		}
		if err := os.Rename(filepath.Join(staging, top), target); err != nil {
			return &UnpackError{Entry: top, Err: err}
		}
	}
	return nil
}

func extract(r io.Reader, staging string) ([]string, error) {
	tr := tar.NewReader(r)
	seen := make(map[string]struct{})
	entries := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &UnpackError{Err: err}
		}
		entries++

		name, err := cleanName(hdr.Name)
		if err != nil {
			return nil, &UnpackError{Entry: hdr.Name, Err: err}
		}
		target := filepath.Join(staging, filepath.FromSlash(name))
		seen[strings.SplitN(name, "/", 2)[0]] = struct{}{}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return nil, &UnpackError{Entry: hdr.Name, Err: err}
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr); err != nil {
				return nil, &UnpackError{Entry: hdr.Name, Err: err}
			}
		default:
			return nil, &UnpackError{Entry: hdr.Name, Err: errUnsupportedType}
		}
	}

	if entries == 0 {
		return nil, &UnpackError{Err: errors.New("archive is empty")}
	}

	tops := make([]string, 0, len(seen))
	for top := range seen {
		tops = append(tops, top)
	}
	sort.Strings(tops)
	return tops, nil
}

func writeEntry(tr *tar.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode(hdr))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, tr); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", errUnsafePath
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errUnsafePath
	}
	return cleaned, nil
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o600
	}
	return mode | 0o600
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o700
	}
	return mode | 0o700
}
