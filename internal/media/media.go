// Package media converts attachments into a storage-safe byte form and back.
//
// Live file handles never cross the storage boundary: every attachment is
// read into a SerializedFile before it is written, and only turned back into a
// handle (Blob) where it is consumed for submission.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxFileSize bounds a single attachment.
const MaxFileSize = 25 << 20 // 25MB

// SerializedFile is the persisted form of an attachment.
type SerializedFile struct {
	Data         []byte    `json:"-"`
	Name         string    `json:"name"`
	MIMEType     string    `json:"mime_type"`
	LastModified time.Time `json:"last_modified"`
}

// Size returns the attachment size in bytes.
func (f SerializedFile) Size() int64 {
	return int64(len(f.Data))
}

// ToStorable reads f fully and captures its metadata. When mimeType is empty
// the type is detected from the content.
func ToStorable(f fs.File, mimeType string) (SerializedFile, error) {
	if f == nil {
		return SerializedFile{}, errors.New("file is required")
	}
	info, err := f.Stat()
	if err != nil {
		return SerializedFile{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return SerializedFile{}, fmt.Errorf("%s is a directory", info.Name())
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return SerializedFile{}, fmt.Errorf("reading %s: %w", info.Name(), err)
	}
	if len(data) > MaxFileSize {
		return SerializedFile{}, fmt.Errorf("%s exceeds %d bytes", info.Name(), MaxFileSize)
	}

	return FromBytes(info.Name(), mimeType, info.ModTime(), data), nil
}

// FromBytes builds a SerializedFile from raw content, e.g. a request body.
func FromBytes(name, mimeType string, lastModified time.Time, data []byte) SerializedFile {
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	if lastModified.IsZero() {
		lastModified = time.Now()
	}
	return SerializedFile{
		Data:         data,
		Name:         path.Base(name),
		MIMEType:     mimeType,
		LastModified: lastModified.UTC(),
	}
}

// FromStorable reconstructs a readable handle over a stored attachment.
// The returned Blob shares no memory with sf.
func FromStorable(sf SerializedFile) *Blob {
	data := bytes.Clone(sf.Data)
	if data == nil {
		data = []byte{}
	}
	return &Blob{
		Reader: bytes.NewReader(data),
		info: blobInfo{
			name:    sf.Name,
			size:    int64(len(data)),
			modTime: sf.LastModified,
		},
		mimeType: sf.MIMEType,
		data:     data,
	}
}

// Blob is an in-memory file handle. It satisfies fs.File, io.ReaderAt and io.Seeker.
type Blob struct {
	*bytes.Reader
	info     blobInfo
	mimeType string
	data     []byte
}

var _ fs.File = (*Blob)(nil)

func (b *Blob) Stat() (fs.FileInfo, error) { return b.info, nil }
func (b *Blob) Close() error              { return nil }

// Name returns the original file name.
func (b *Blob) Name() string { return b.info.name }

// MIMEType returns the stored content type.
func (b *Blob) MIMEType() string { return b.mimeType }

// Bytes returns the full content regardless of the read offset.
func (b *Blob) Bytes() []byte { return b.data }

type blobInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i blobInfo) Name() string       { return i.name }
func (i blobInfo) Size() int64        { return i.size }
func (i blobInfo) Mode() fs.FileMode  { return 0o444 }
func (i blobInfo) ModTime() time.Time { return i.modTime }
func (i blobInfo) IsDir() bool        { return false }
func (i blobInfo) Sys() any           { return nil }
