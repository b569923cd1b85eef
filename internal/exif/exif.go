// Package exif reads the existing DateTimeOriginal tag to decide whether a
// photo is already stamped, and if not, patches the three EXIF timestamp
// tags in place: DateTime (IFD0, tag 0x0132), DateTimeOriginal (Exif IFD,
// tag 0x9003) and DateTimeDigitized (Exif IFD, tag 0x9004).
//
// Reading uses github.com/rwcarlsen/goexif, a decode-only library, so
// writing is a small in-place ASCII patch. It only overwrites bytes
// already present in an existing tag value; it never grows the EXIF
// segment or inserts a tag that is absent, which keeps the patch a
// fixed-size byte rewrite with no TIFF re-encode.
package exif

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
)

// dateTimeLayout is the fixed-width ASCII format every EXIF datetime tag
// uses: "2006:01:02 15:04:05", always exactly 19 bytes plus a NUL
// terminator (20 bytes total, matching the tag's declared count).
const dateTimeLayout = "2006:01:02 15:04:05"

// Reader reads an existing EXIF timestamp from a JPEG file, used to decide
// whether the asset is already stamped.
type Reader interface {
	Get(path string) (string, error)
}

// Writer patches a JPEG's EXIF timestamp tags in place.
type Writer interface {
	Set(path string, t time.Time) error
}

// GoexifReader is the production Reader, backed by
// github.com/rwcarlsen/goexif.
type GoexifReader struct{}

// Get returns the DateTimeOriginal tag's string value, or an error if the
// file has no readable EXIF segment or no DateTimeOriginal tag.
func (GoexifReader) Get(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	x, err := goexif.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decoding exif for %s: %w", path, err)
	}

	tag, err := x.Get(goexif.DateTimeOriginal)
	if err != nil {
		return "", fmt.Errorf("no DateTimeOriginal tag in %s: %w", path, err)
	}

	return tag.StringVal()
}

// InPlaceWriter is the production Writer: a narrow byte-patch, not a full
// EXIF encoder.
type InPlaceWriter struct{}

// ErrNoExifSegment is returned when the file carries no APP1/EXIF segment
// to patch — the caller (internal/download) treats this the same as any
// other EXIF error: logged at DEBUG, download still counts as successful.
var ErrNoExifSegment = errors.New("exif: no EXIF segment present")

// Set overwrites the DateTime, DateTimeOriginal and DateTimeDigitized ASCII
// tag values in path's existing EXIF segment with t, formatted as
// "YYYY:MM:DD HH:MM:SS". Every existing date stamp found by
// patchDateTimeTags is overwritten, however many there are; files without
// an EXIF segment, or whose segment holds no date stamp, return
// ErrNoExifSegment unmodified.
func (InPlaceWriter) Set(path string, t time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	formatted := t.Format(dateTimeLayout)

	patched, n, err := patchDateTimeTags(data, formatted)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoExifSegment, path)
	}

	return os.WriteFile(path, patched, 0o644)
}

// patchDateTimeTags scans data for EXIF datetime ASCII tag values (any
// prior "YYYY:MM:DD HH:MM:SS" stamp) and overwrites
// each occurrence with formatted. It operates purely on byte patterns
// rather than parsing the TIFF IFD structure, since every occurrence of a
// 19-byte "dddd:dd:dd dd:dd:dd"-shaped ASCII run inside an EXIF segment is,
// in practice, one of these three tags.
func patchDateTimeTags(data []byte, formatted string) ([]byte, int, error) {
	if len(formatted) != len(dateTimeLayout) {
		return nil, 0, fmt.Errorf("exif: formatted timestamp has unexpected length %d", len(formatted))
	}

	out := make([]byte, len(data))
	copy(out, data)

	count := 0
	search := out

	for {
		idx := findDateTimePattern(search)
		if idx < 0 {
			break
		}

		copy(search[idx:idx+len(formatted)], formatted)
		count++
		search = search[idx+len(formatted):]
	}

	return out, count, nil
}

// findDateTimePattern finds the byte offset of the first
// "dddd:dd:dd dd:dd:dd"-shaped ASCII run in data, or -1 if none exists.
func findDateTimePattern(data []byte) int {
	const width = len(dateTimeLayout)

	for i := 0; i+width <= len(data); i++ {
		if looksLikeDateTime(data[i : i+width]) {
			return i
		}
	}

	return -1
}

func looksLikeDateTime(b []byte) bool {
	isDigit := func(c byte) bool { return c >= '0' && c <= '9' }

	return len(b) == len(dateTimeLayout) &&
		isDigit(b[0]) && isDigit(b[1]) && isDigit(b[2]) && isDigit(b[3]) &&
		b[4] == ':' &&
		isDigit(b[5]) && isDigit(b[6]) &&
		b[7] == ':' &&
		isDigit(b[8]) && isDigit(b[9]) &&
		b[10] == ' ' &&
		isDigit(b[11]) && isDigit(b[12]) &&
		b[13] == ':' &&
		isDigit(b[14]) && isDigit(b[15]) &&
		b[16] == ':' &&
		isDigit(b[17]) && isDigit(b[18])
}

// hasJPEGMagic reports whether data begins with a JPEG SOI marker, used by
// the download engine to decide whether the EXIF hook applies at all.
func hasJPEGMagic(r io.Reader) bool {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(r, magic); err != nil {
		return false
	}

	return bytes.Equal(magic, []byte{0xFF, 0xD8})
}

// IsJPEG reports whether the file at path begins with a JPEG SOI marker.
func IsJPEG(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	return hasJPEGMagic(f)
}
