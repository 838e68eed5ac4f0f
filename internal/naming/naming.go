// Package naming maps between apparent paths and the dated real paths stored
// at the destination, and encodes the reference artifact payload.
package naming

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"dfb-go/internal/tstamp"
)

// Flag is the optional single-letter marker carried after the date stamp.
type Flag string

const (
	FlagNone      Flag = ""
	FlagReference Flag = "R"
	FlagDelete    Flag = "D"
)

// EmptyDirMarker is the leaf filename synthesized for otherwise empty
// directories. It is stamped like any other file.
const EmptyDirMarker = ".dfbempty"

// ErrNoTimestamp reports that a destination name carries no recognizable
// date stamp. Such files are user-placed and pass through verbatim.
var ErrNoTimestamp = fmt.Errorf("no timestamp in name")

// knownExts is the set of recognized file extensions (without dot, lower
// case). The first extension of a name is always split off; earlier ones are
// only included while they stay in this set, so "archive.tar.gz" splits as a
// whole but "some.file.txt" splits only ".txt".
var knownExts = map[string]bool{}

func init() {
	for _, e := range []string{
		// archives and compression
		"tar", "gz", "tgz", "bz2", "xz", "zst", "lz4", "zip", "7z", "rar",
		// text and data
		"txt", "md", "rst", "csv", "tsv", "json", "jsonl", "yaml", "yml",
		"toml", "ini", "xml", "html", "htm", "css", "js", "mjs", "min",
		"log", "sql", "pdf", "ps", "tex",
		// code
		"go", "py", "c", "h", "cpp", "hpp", "rs", "java", "rb", "sh", "pl",
		// media
		"png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "bmp", "ico",
		"tif", "tiff", "mp3", "mp4", "m4a", "mkv", "mov", "avi", "wav",
		"flac", "ogg", "webm",
		// misc
		"bin", "dat", "db", "iso", "img", "bak", "asc", "sig", "gpg",
	} {
		knownExts[e] = true
	}
}

// SplitExt splits a path into stem and extension suffix, allowing
// multi-part suffixes like ".tar.gz". The returned suffix includes its
// leading dot or is empty. A leading dot in the filename never starts a
// suffix on its own.
func SplitExt(p string) (stem, ext string) {
	dir, name := path.Split(p)

	parts := strings.Split(name, ".")
	if parts[0] == "" && len(parts) > 1 {
		// Leading-dot name: fold the dot into the first real part.
		parts = append([]string{"." + parts[1]}, parts[2:]...)
	}
	if len(parts) == 1 {
		return p, ""
	}

	// The last extension is always taken; keep extending left while the
	// next one is recognized. The first part is never consumed.
	ix := 1
	for ; ix < len(parts)-1; ix++ {
		if !knownExts[strings.ToLower(parts[len(parts)-ix-1])] {
			break
		}
	}

	stem = dir + strings.Join(parts[:len(parts)-ix], ".")
	ext = "." + strings.Join(parts[len(parts)-ix:], ".")
	return stem, ext
}

// ToReal converts an apparent path and UTC epoch timestamp to the dated
// destination name, injecting the stamp before the extension suffix.
func ToReal(apath string, ts int64, flag Flag) string {
	stamp := tstamp.FormatEpoch14(ts)
	stem, ext := SplitExt(apath)
	rpath := fmt.Sprintf("%s.%s%s%s", stem, stamp, flag, ext)

	// A stem that itself ends in a dated component can defeat the inverse
	// parse; fall back to appending the stamp after the full name.
	if a, t, f, err := FromRealStrict(rpath); err != nil || a != apath || t != ts || f != flag {
		rpath = fmt.Sprintf("%s.%s%s", apath, stamp, flag)
	}
	return rpath
}

// dateTagRe matches a full date stamp with optional flag, with calendar
// ranges enforced so that arbitrary fourteen-digit runs do not match.
var dateTagRe = regexp.MustCompile(
	`^(\d{4})(0[1-9]|1[0-2])(0[1-9]|[12][0-9]|3[01])([01][0-9]|2[0-3])([0-5][0-9])([0-5][0-9])(R|D)?$`)

// parseDateTag parses an extension component like ".20220625232247R".
func parseDateTag(tag string) (int64, Flag, bool) {
	tag = strings.TrimPrefix(tag, ".")
	m := dateTagRe.FindStringSubmatch(tag)
	if m == nil {
		return 0, FlagNone, false
	}
	t, err := tstamp.Parse14(tag[:14])
	if err != nil {
		return 0, FlagNone, false
	}
	return t.Unix(), Flag(m[7]), true
}

// FromRealStrict recovers (apath, timestamp, flag) from a dated destination
// name. It returns ErrNoTimestamp when no stamp component is present; the
// caller decides how to treat such user-placed files.
func FromRealStrict(rpath string) (string, int64, Flag, error) {
	dir, name := path.Split(rpath)

	// First try the stamp just before the extension suffix. This handles
	// file.20220625232247.tar.gz and file.tar.20220625232247.gz, and comes
	// first so a name with several stamp-like parts resolves by the split.
	stemWithTag, ext := SplitExt(name)
	if stem, tag := splitLastExt(stemWithTag); tag != "" {
		if ts, flag, ok := parseDateTag(tag); ok {
			return dir + stem + ext, ts, flag, nil
		}
	}

	// Then a stamp at the very end of the name.
	if stem, tag := splitLastExt(name); tag != "" {
		if ts, flag, ok := parseDateTag(tag); ok {
			return dir + stem, ts, flag, nil
		}
	}

	return "", 0, FlagNone, fmt.Errorf("%w: %q", ErrNoTimestamp, rpath)
}

// splitLastExt splits off the final dot component, including the dot.
func splitLastExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
