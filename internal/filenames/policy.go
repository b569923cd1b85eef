// Package filenames turns a raw, provider-supplied asset filename into a
// deterministic local path component, safe across filesystems and stable
// across repeated runs.
package filenames

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// Options controls the policy's configurable behavior.
type Options struct {
	KeepUnicode bool
}

// illegalChars is the set every target filesystem is assumed to reject.
var illegalChars = regexp.MustCompile(`[<>:"/\\|?*\x00]`)

// dedupSuffix matches a prior run's "-original" or "-<digits>" dedup tag
// so it can be stripped before re-applying the policy.
var dedupSuffix = regexp.MustCompile(`-(original|\d+)$`)

// sizeExtension maps a SizeTag to its extension override. Tags absent from
// this map keep the source extension (thumb, medium, adjusted, alternative
// all fall through unchanged).
var sizeExtension = map[icloud.SizeTag]string{
	icloud.SizeOriginalVideo: ".MOV",
	icloud.SizeMediumVideo:   ".MOV",
}

// Resolve turns a raw provider filename into the final local filename for
// the given size tag: base64 decoding, then Unicode normalization, then
// illegal-character replacement, then the size-tag extension convention.
func Resolve(rawFilename string, size icloud.SizeTag, opts Options) string {
	name := decodeIfBase64Transport(rawFilename)

	name = stripDedupSuffix(name)

	stem, ext := splitExt(name)

	stem = normalizeUnicode(stem, opts.KeepUnicode)
	stem = illegalChars.ReplaceAllString(stem, "_")

	if override, ok := sizeExtension[size]; ok {
		ext = override
	} else {
		ext = illegalChars.ReplaceAllString(ext, "_")
	}

	if stem == "" {
		stem = "untitled"
	}

	return stem + ext
}

// WithDedupSuffix appends the "-<size>" dedup tag used when a same-path,
// different-size file already exists on disk.
func WithDedupSuffix(filename string, size int64) string {
	stem, ext := splitExt(filename)
	return fmt.Sprintf("%s-%d%s", stem, size, ext)
}

// stripDedupSuffix removes a trailing "-original" or "-<digits>" tag left
// by a previous WithDedupSuffix call, so repeated runs compare against the
// same base name.
func stripDedupSuffix(name string) string {
	stem, ext := splitExt(name)
	stem = dedupSuffix.ReplaceAllString(stem, "")

	return stem + ext
}

func splitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}

	return name[:i], name[i:]
}

// decodeIfBase64Transport recognizes the provider's base64 transport
// filename encoding (multiple-of-4 length, valid alphabet, no extension)
// and decodes it. Any filename carrying a plausible extension, or that
// fails to decode as base64, is returned unchanged.
func decodeIfBase64Transport(name string) string {
	if strings.ContainsRune(name, '.') {
		return name
	}

	if len(name)%4 != 0 || len(name) == 0 {
		return name
	}

	decoded, err := base64.StdEncoding.DecodeString(name)
	if err != nil {
		return name
	}

	if !isPrintableASCII(decoded) {
		return name
	}

	return string(decoded)
}

func isPrintableASCII(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}

	return len(b) > 0
}

// asciiTransliterate drops combining marks left over from NFD
// decomposition; normalizeUnicode then discards any remaining non-ASCII
// rune via stripNonASCII.
var asciiTransliterate = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

func normalizeUnicode(s string, keepUnicode bool) string {
	if keepUnicode {
		return norm.NFC.String(s)
	}

	out, _, err := transform.String(asciiTransliterate, s)
	if err != nil {
		return norm.NFC.String(s)
	}

	return stripNonASCII(out)
}

func stripNonASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}

	return b.String()
}
