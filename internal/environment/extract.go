package environment

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatTarGz
	formatTarZst
	formatZip
)

func detectFormat(name string) archiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZst
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	default:
		return formatUnknown
	}
}

// Extract unpacks archive into dest, which must not exist. When the
// archive holds a single top-level directory its contents become dest.
func Extract(ctx context.Context, archive, dest string) error {
	format := detectFormat(archive)
	if format == formatUnknown {
		return provisionErr(StageExtract, FailExtract, fmt.Errorf("unsupported archive %q", filepath.Base(archive)))
	}
	if _, err := os.Lstat(dest); err == nil {
		return provisionErr(StageExtract, FailExtract, fmt.Errorf("destination %s already exists", dest))
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return provisionErr(StageExtract, classifyWriteErr(err), err)
	}
	tmp, err := os.MkdirTemp(parent, filepath.Base(dest)+".extract.*")
	if err != nil {
		return provisionErr(StageExtract, classifyWriteErr(err), err)
	}
	defer os.RemoveAll(tmp)

	switch format {
	case formatTarGz, formatTarZst:
		err = extractTar(ctx, archive, format, tmp)
	case formatZip:
		err = extractZip(ctx, archive, tmp)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provisionErr(StageExtract, classifyExtractErr(err), err)
	}

	src := tmp
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return provisionErr(StageExtract, FailExtract, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		src = filepath.Join(tmp, entries[0].Name())
	}
	if err := os.Rename(src, dest); err != nil {
		return provisionErr(StageExtract, FailExtract, err)
	}
	return nil
}

func classifyExtractErr(err error) FailureReason {
	if classifyWriteErr(err) == FailInsufficientDisk {
		return FailInsufficientDisk
	}
	return FailExtract
}

func extractTar(ctx context.Context, archive string, format archiveFormat, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case formatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case formatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := makeDir(target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := makeSymlink(dest, target, hdr.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := safeJoin(dest, hdr.Linkname)
			if err != nil || src == "" {
				return fmt.Errorf("invalid hardlink %q -> %q", hdr.Name, hdr.Linkname)
			}
			if err := checkParents(dest, src); err != nil {
				return err
			}
			if isSymlink(src) {
				return fmt.Errorf("hardlink %q points at symlink %q", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and pax metadata entries are not needed.
		}
	}
}

func extractZip(ctx context.Context, archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := makeDir(target); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin resolves name inside root, rejecting absolute paths and parent
// traversal. It returns "" for the root itself.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(root, clean), nil
}

// checkParents rejects target when a directory between root and target is
// a symlink. Entries are only ever written through real directories, so a
// link extracted earlier cannot redirect a later entry.
func checkParents(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q passes through symlink %q", target, cur)
		}
	}
	return nil
}

// isSymlink reports whether path exists and is a symlink.
func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func makeDir(path string) error {
	if isSymlink(path) {
		return fmt.Errorf("archive directory %q replaces a symlink", path)
	}
	return os.MkdirAll(path, 0o755)
}

// makeSymlink creates target -> linkname. The link must climb with ".."
// only before naming any component, so it resolves from the real directory
// holding target and never steps back out of a directory it entered
// through another link.
func makeSymlink(root, target, linkname string) error {
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("symlink %q has absolute target %q", target, linkname)
	}
	named := false
	for _, part := range strings.Split(strings.ReplaceAll(linkname, "\\", "/"), "/") {
		switch part {
		case "", ".":
		case "..":
			if named {
				return fmt.Errorf("symlink %q has non-canonical target %q", target, linkname)
			}
		default:
			named = true
		}
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("symlink %q escapes destination", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("symlink %q replaces an existing entry", target)
	}
	return os.Symlink(linkname, target)
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if isSymlink(path) {
		return fmt.Errorf("archive file %q would be written through a symlink", path)
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
