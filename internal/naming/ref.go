package naming

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// refVersion is the payload format written for every new reference.
const refVersion = 2

// RefPayload is the content of a reference artifact at the destination.
// Version 2 stores the referent relative to the reference's parent
// directory; version 1 (read-only) stored an absolute destination path.
type RefPayload struct {
	Ver  int    `json:"ver"`
	Rel  string `json:"rel,omitempty"`
	Path string `json:"path,omitempty"`
}

// MarshalRef builds the version-2 payload for a reference at refRPath
// pointing to targetRPath. The referent is stored relative to the
// reference's parent directory and may traverse upward.
func MarshalRef(refRPath, targetRPath string) ([]byte, error) {
	rel, err := relPath(path.Dir(refRPath), targetRPath)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RefPayload{Ver: refVersion, Rel: rel})
}

// ParseRef decodes a reference payload and resolves it to the referent real
// path. refRPath is the real path of the reference artifact itself;
// resolution is purely lexical against its parent directory. Legacy
// single-line payloads (version 1, no JSON) are accepted but never written.
func ParseRef(refRPath string, payload []byte) (string, error) {
	text := strings.TrimRight(string(payload), "\n")

	var ref RefPayload
	if err := json.Unmarshal([]byte(text), &ref); err != nil {
		// Not JSON: a bare v1 path line.
		ref = RefPayload{Ver: 1, Path: text}
	}

	switch ref.Ver {
	case 1:
		if ref.Path == "" {
			return "", fmt.Errorf("v1 reference %q has empty path", refRPath)
		}
		return path.Clean(ref.Path), nil
	case refVersion:
		if ref.Rel == "" {
			return "", fmt.Errorf("v2 reference %q has empty rel", refRPath)
		}
		return path.Clean(path.Join(path.Dir(refRPath), ref.Rel)), nil
	default:
		return "", fmt.Errorf("reference %q has unrecognized version %d", refRPath, ref.Ver)
	}
}

// relPath computes target relative to base using only lexical rules over
// slash-separated destination paths.
func relPath(base, target string) (string, error) {
	base = path.Clean(base)
	target = path.Clean(target)
	if base == "." {
		return target, nil
	}
	if strings.HasPrefix(base, "/") != strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("cannot relativize %q against %q", target, base)
	}

	bparts := strings.Split(base, "/")
	tparts := strings.Split(target, "/")

	common := 0
	for common < len(bparts) && common < len(tparts) && bparts[common] == tparts[common] {
		common++
	}

	var out []string
	for range bparts[common:] {
		out = append(out, "..")
	}
	out = append(out, tparts[common:]...)
	if len(out) == 0 {
		return ".", nil
	}
	return strings.Join(out, "/"), nil
}
