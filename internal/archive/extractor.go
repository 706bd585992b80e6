// Package archive unpacks downloaded scene bundles (tar, optionally gzip or
// zstd compressed) and reports one ExtractedMember per entry.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Extractor implements ingest.ArchiveExtractor.
type Extractor struct {
	// MaxMemberBytes caps a single extracted file. Zero means unlimited.
	MaxMemberBytes int64
}

// New returns an Extractor.
func New(maxMemberBytes int64) *Extractor {
	return &Extractor{MaxMemberBytes: maxMemberBytes}
}

// Extract unpacks archivePath under destination. A file that cannot be read as
// an archive yields no members and ErrMalformedArchive. A stream that breaks
// mid-way yields the members read so far plus the error. Entries that would
// escape destination are skipped and reported as ErrUnsafeMember. Symlinks,
// hard links and device entries yield a file member with an empty Path and
// nothing is written for them.
func (e *Extractor) Extract(archivePath, destination string) ([]ingest.ExtractedMember, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	stream, closeStream, err := decompress(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ingest.ErrMalformedArchive, archivePath, err)
	}
	defer closeStream()

	root, err := filepath.Abs(destination)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create destination: %w", err)
	}

	parent := filepath.Base(archivePath)
	tr := tar.NewReader(stream)
	var (
		members   []ingest.ExtractedMember
		memberErr []error
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			memberErr = append(memberErr, fmt.Errorf("%w: %q", ingest.ErrUnsafeMember, hdr.Name))
			continue
		}
		if err != nil {
			memberErr = append(memberErr, fmt.Errorf("%w: %s: %v", ingest.ErrMalformedArchive, archivePath, err))
			break
		}

		target, ok := safeJoin(root, hdr.Name)
		if !ok {
			memberErr = append(memberErr, fmt.Errorf("%w: %q", ingest.ErrUnsafeMember, hdr.Name))
			continue
		}
		if target == root {
			continue
		}

		member := ingest.ExtractedMember{
			Name:          memberName(hdr.Name),
			Size:          hdr.Size,
			ModifiedTime:  hdr.ModTime.UTC(),
			ParentArchive: parent,
			Path:          target,
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			member.Kind = ingest.MemberDirectory
			if err := os.MkdirAll(target, 0o750); err != nil {
				memberErr = append(memberErr, fmt.Errorf("create %s: %w", hdr.Name, err))
				continue
			}
		case tar.TypeReg:
			member.Kind = ingest.MemberFile
			if err := e.writeFile(target, tr); err != nil {
				if errors.Is(err, ingest.ErrMalformedArchive) {
					memberErr = append(memberErr, fmt.Errorf("%s: %w", archivePath, err))
					return members, errors.Join(memberErr...)
				}
				memberErr = append(memberErr, fmt.Errorf("write %s: %w", hdr.Name, err))
				continue
			}
		case tar.TypeXGlobalHeader:
			continue
		default:
			// Links and device entries are recorded but never materialized.
			member.Kind = ingest.MemberFile
			member.Path = ""
		}
		members = append(members, member)
	}

	if len(members) == 0 && len(memberErr) == 0 {
		return nil, fmt.Errorf("%w: %s: no entries", ingest.ErrMalformedArchive, archivePath)
	}
	return members, errors.Join(memberErr...)
}

func (e *Extractor) writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	// Members land via rename so concurrent extractions of the same scene
	// never interleave bytes in one file.
	out, err := os.CreateTemp(filepath.Dir(target), ".member-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	tmpName := out.Name()
	src := r
	if e.MaxMemberBytes > 0 {
		src = io.LimitReader(r, e.MaxMemberBytes+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ingest.ErrMalformedArchive, copyErr)
	}
	if e.MaxMemberBytes > 0 && n > e.MaxMemberBytes {
		_ = os.Remove(tmpName)
		return fmt.Errorf("member exceeds %d bytes", e.MaxMemberBytes)
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close file: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

// decompress sniffs the magic bytes and wraps the stream accordingly.
func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, err := br.Peek(len(zstdMagic))
	if err != nil && len(head) == 0 {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("empty file")
		}
		return nil, nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip header: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd header: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

func memberName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(name), "./"), "/")
}

// safeJoin resolves name under root, rejecting absolute paths and traversal.
func safeJoin(root, name string) (string, bool) {
	clean := filepath.ToSlash(name)
	if clean == "" || strings.HasPrefix(clean, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}
