// Package imgt locates the IMGT/HighV-QUEST result files needed to build a
// submission: the summary, IMGT-gapped, nucleotide sequence and junction
// tables. Results may arrive as a zip archive, a tarball (plain, gzip or xz)
// or an unpacked folder.
package imgt

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"tlsbatch/internal/logging"
)

// Format is the container type of an IMGT result.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarXz  Format = "tar.xz"
	FormatFolder Format = "folder"
)

// Required lists the result files by key with their base-name prefix.
var Required = []struct {
	Key    string
	Prefix string
}{
	{"summary", "1_Summary"},
	{"gapped", "2_IMGT-gapped"},
	{"ntseq", "3_Nt-sequences"},
	{"junction", "6_Junction"},
}

var (
	// ErrMissingFile is returned when a required file is absent or duplicated.
	ErrMissingFile = errors.New("missing or duplicated IMGT file")
	// ErrUnsupported is returned for inputs that are not zip, tar or a folder.
	ErrUnsupported = errors.New("unsupported IMGT output; must be a zip file, a tarball or a folder")
)

// Archive describes an inspected IMGT result.
type Archive struct {
	Path   string
	Format Format
	// Files maps each required key to its member name (or path for folders).
	Files map[string]string
	// Members is the total number of entries seen.
	Members int
}

// Keys returns the required keys in their canonical order.
func Keys() []string {
	keys := make([]string, len(Required))
	for i, r := range Required {
		keys[i] = r.Key
	}
	return keys
}

func keyFor(name string) (string, bool) {
	base := path.Base(filepath.ToSlash(name))
	for _, r := range Required {
		if strings.HasPrefix(base, r.Prefix) {
			return r.Key, true
		}
	}
	return "", false
}

// match assigns member names to keys and checks every key appears once.
func match(names []string) (map[string]string, error) {
	sort.Strings(names)
	files := make(map[string]string, len(Required))
	var dups []string
	for _, n := range names {
		key, ok := keyFor(n)
		if !ok {
			continue
		}
		if prev, seen := files[key]; seen {
			dups = append(dups, fmt.Sprintf("%s (%s, %s)", key, prev, n))
			continue
		}
		files[key] = n
	}
	if len(dups) > 0 {
		return nil, fmt.Errorf("%w: duplicated %s", ErrMissingFile, strings.Join(dups, "; "))
	}
	var missing []string
	for _, r := range Required {
		if _, ok := files[r.Key]; !ok {
			missing = append(missing, r.Prefix)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingFile, strings.Join(missing, ", "))
	}
	return files, nil
}

// Detect reports the container format of p.
func Detect(p string) (Format, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return FormatFolder, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return FormatTarXz, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}
	return "", fmt.Errorf("%s: %w", p, ErrUnsupported)
}

// Inspect checks that p holds exactly one of each required file.
func Inspect(p string) (*Archive, error) {
	timer := logging.StartTimer(logging.CategoryIMGT, "Inspect "+p)
	defer timer.Stop()

	format, err := Detect(p)
	if err != nil {
		return nil, err
	}

	var names []string
	switch format {
	case FormatZip:
		names, err = zipNames(p)
	case FormatTar, FormatTarGz, FormatTarXz:
		names, err = tarNames(p, format)
	case FormatFolder:
		names, err = folderNames(p)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	logging.IMGTDebug("%s: %s with %d entries", p, format, len(names))

	files, err := match(names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	logging.IMGT("%s: found %v", p, files)
	return &Archive{Path: p, Format: format, Files: files, Members: len(names)}, nil
}

func zipNames(p string) ([]string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

func openTar(p string, format Format) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	switch format {
	case FormatTarGz:
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return tar.NewReader(zr), multiCloser{zr, f}, nil
	case FormatTarXz:
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return tar.NewReader(xr), f, nil
	}
	return tar.NewReader(bufio.NewReader(f)), f, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func tarNames(p string, format Format) ([]string, error) {
	tr, closer, err := openTar(p, format)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

func folderNames(root string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, p)
		}
		return nil
	})
	return names, err
}

// Extract writes the required files of p into dir and returns their paths
// by key. Folder inputs are not copied; their original paths are returned.
func Extract(p, dir string) (map[string]string, error) {
	a, err := Inspect(p)
	if err != nil {
		return nil, err
	}
	if a.Format == FormatFolder {
		return a.Files, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}

	wanted := make(map[string]string, len(a.Files))
	for key, name := range a.Files {
		wanted[name] = key
	}
	out := make(map[string]string, len(wanted))

	switch a.Format {
	case FormatZip:
		err = extractZip(p, dir, wanted, out)
	default:
		err = extractTar(p, a.Format, dir, wanted, out)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	logging.IMGTDebug("Extracted %d files from %s into %s", len(out), p, dir)
	return out, nil
}

// destPath flattens a member name into dir.
func destPath(dir, name string) string {
	return filepath.Join(dir, path.Base(filepath.ToSlash(name)))
}

func writeMember(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func extractZip(p, dir string, wanted, out map[string]string) error {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		key, ok := wanted[f.Name]
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		dest := destPath(dir, f.Name)
		err = writeMember(dest, rc)
		rc.Close()
		if err != nil {
			return err
		}
		out[key] = dest
	}
	return nil
}

func extractTar(p string, format Format, dir string, wanted, out map[string]string) error {
	tr, closer, err := openTar(p, format)
	if err != nil {
		return err
	}
	defer closer.Close()

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		key, ok := wanted[hdr.Name]
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := destPath(dir, hdr.Name)
		if err := writeMember(dest, tr); err != nil {
			return err
		}
		out[key] = dest
	}
}
