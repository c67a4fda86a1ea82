// Package diskfs serves files from a cpio archive (SVR4 "newc" format)
// written to the raw sectors of a block device.
package diskfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/cavaliergopher/cpio"
)

var ErrNotArchive = errors.New("diskfs: no cpio archive on disk")

// FS is a read-only file system indexed from a cpio archive. It implements
// fs.FS and fs.StatFS.
type FS struct {
	disk    *Disk
	entries map[string]*entry
}

type entry struct {
	hdr *cpio.Header
	off int64 // byte offset of the file data on disk
}

var rootEntry = &entry{
	hdr: &cpio.Header{Name: ".", Mode: cpio.TypeDir | 0755},
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Mount indexes the archive at the start of dev.
func Mount(dev SectorDevice, log *slog.Logger) (*FS, error) {
	if log == nil {
		log = slog.Default()
	}

	disk := NewDisk(dev)
	cr := &countingReader{r: io.NewSectionReader(disk, 0, disk.Size())}
	r := cpio.NewReader(cr)

	f := &FS{
		disk:    disk,
		entries: map[string]*entry{".": rootEntry},
	}

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			if len(f.entries) == 1 {
				return nil, fmt.Errorf("%w: %w", ErrNotArchive, err)
			}

			return nil, fmt.Errorf("diskfs: read entry %d: %w", len(f.entries), err)
		}

		name := cleanName(hdr.Name)
		if name == "" {
			continue
		}

		f.entries[name] = &entry{hdr: hdr, off: cr.n}
	}

	log.Info("diskfs: mounted", "entries", len(f.entries)-1, "bytes", disk.Size())
	return f, nil
}

func cleanName(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "."
	}

	return name
}

// Open opens the named file.
func (f *FS) Open(name string) (fs.File, error) {
	e, err := f.lookup("open", name)
	if err != nil {
		return nil, err
	}

	size := e.hdr.Size
	if !e.hdr.Mode.IsRegular() {
		size = 0
	}

	return &file{
		SectionReader: io.NewSectionReader(f.disk, e.off, size),
		e:             e,
	}, nil
}

// Stat returns a FileInfo describing the named file.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	e, err := f.lookup("stat", name)
	if err != nil {
		return nil, err
	}

	return e.hdr.FileInfo(), nil
}

// Len returns the number of entries in the archive.
func (f *FS) Len() int {
	return len(f.entries) - 1
}

// Close flushes the underlying device.
func (f *FS) Close() error {
	return f.disk.Flush()
}

func (f *FS) lookup(op, name string) (*entry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}

	e, ok := f.entries[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}

	return e, nil
}

// file is an open file. It also implements io.Seeker and io.ReaderAt.
type file struct {
	*io.SectionReader
	e *entry
}

func (fl *file) Stat() (fs.FileInfo, error) {
	return fl.e.hdr.FileInfo(), nil
}

func (fl *file) Close() error {
	return nil
}
