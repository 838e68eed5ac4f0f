package engine

import (
	"fmt"

	"dfb-go/internal/model"
)

// Attrib selects which attribute decides whether two versions of a file
// match. The zero value is AttribMtime.
type Attrib int

const (
	// AttribMtime compares size plus modification time within tolerance.
	AttribMtime Attrib = iota
	// AttribSize compares size only.
	AttribSize
	// AttribHash compares size plus hash, falling back to size when either
	// side lacks a hash.
	AttribHash
	// AttribDisabled never matches. Used to turn rename tracking off.
	AttribDisabled
)

// ParseAttrib parses the configuration spelling of a comparison attribute.
// "false" and "off" map to AttribDisabled (rename tracking only).
func ParseAttrib(s string) (Attrib, error) {
	switch s {
	case "mtime", "", "auto":
		return AttribMtime, nil
	case "size":
		return AttribSize, nil
	case "hash":
		return AttribHash, nil
	case "false", "off", "disabled":
		return AttribDisabled, nil
	default:
		return 0, fmt.Errorf("unknown comparison attribute %q", s)
	}
}

func (a Attrib) String() string {
	switch a {
	case AttribMtime:
		return "mtime"
	case AttribSize:
		return "size"
	case AttribHash:
		return "hash"
	case AttribDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// comparer applies an Attrib to a source entry and a cataloged artifact.
type comparer struct {
	attrib    Attrib
	dstAttrib Attrib // used when the artifact's metadata came from the destination
	dt        float64
	log       Logger
}

// match reports whether the source entry and the cataloged version are the
// same content under the applicable attribute. Size must always match.
func (c *comparer) match(s SourceEntry, d *model.Artifact) bool {
	attrib := c.attrib
	if d.DstInfo {
		attrib = c.dstAttrib
	}
	return c.matchAttrib(s, d, attrib)
}

func (c *comparer) matchAttrib(s SourceEntry, d *model.Artifact, attrib Attrib) bool {
	if attrib == AttribDisabled {
		return false
	}
	if s.Size != d.Size {
		return false
	}

	switch attrib {
	case AttribSize:
		return true
	case AttribMtime:
		if s.ModTime == 0 || d.ModTime == 0 {
			// Missing mtime on either side cannot match; the file will be
			// re-uploaded, a safe outcome.
			return false
		}
		diff := float64(s.ModTime - d.ModTime)
		if diff < 0 {
			diff = -diff
		}
		return diff <= c.dt
	case AttribHash:
		if s.Hash == "" || d.Hash == "" {
			// Driver-analogous behavior: fall back to size-only when a hash
			// is missing on either side.
			c.log.Warn("missing hash, comparing by size only", "apath", s.APath)
			return true
		}
		return s.Hash == d.Hash
	}
	return false
}
