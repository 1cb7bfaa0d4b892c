// Package staging implements the three-stage object lifecycle on top of a
// storage.Gateway: uploads land in Raw, are copied to Temp for processing, and
// are promoted to Final once processed. Raw objects are never deleted here.
package staging

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Stage is a pipeline storage location.
type Stage string

const (
	StageRaw   Stage = "raw"
	StageTemp  Stage = "temp"
	StageFinal Stage = "final"
)

// Key prefixes for each stage. These are shared with existing stored data and
// must not change.
const (
	rawPrefix   = "raw-uploads"
	tempPrefix  = "temp-processing"
	finalPrefix = "processed-content"

	rawDir   = "original-videos"
	finalDir = "final-videos"

	// DerivedPrefix is prepended to the filename of transformer output.
	DerivedPrefix = "processed_"

	timestampLayout = "20060102-150405"
)

// StagedObject is one physical blob at one pipeline stage.
type StagedObject struct {
	Key         string `json:"key"`
	Stage       Stage  `json:"stage"`
	OwnerID     string `json:"owner_id"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	// Parent is the key this object was copied or derived from.
	Parent string `json:"parent,omitempty"`
}

// IsZero reports whether o is the zero StagedObject.
func (o StagedObject) IsZero() bool {
	return o.Key == ""
}

func rawKey(ownerID, filename string) string {
	return path.Join(rawPrefix, ownerID, rawDir, filename)
}

func tempKey(ownerID, filename string) string {
	return path.Join(tempPrefix, ownerID, filename)
}

func finalKey(ownerID, filename string) string {
	return path.Join(finalPrefix, ownerID, finalDir, filename)
}

// rawFilename builds "{YYYYMMDD-HHMMSS}-{shortID}{ext}".
func rawFilename(now time.Time, shortID, ext string) string {
	return now.UTC().Format(timestampLayout) + "-" + shortID + ext
}

// normalizeContentType lowercases a MIME type and strips its parameters.
func normalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(ct)
}

// extensionFor picks the key extension from the client filename, falling back
// to the canonical extension of the declared MIME type.
func extensionFor(filename, contentType string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/"))))
	if isSafeExt(ext) {
		return ext
	}
	if mt := mimetype.Lookup(contentType); mt != nil {
		return mt.Extension()
	}
	return ""
}

func isSafeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 10 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// validateOwner rejects owner IDs that cannot be embedded in a key segment.
func validateOwner(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if ownerID == "." || ownerID == ".." || strings.ContainsAny(ownerID, "/\\") {
		return fmt.Errorf("owner id %q is not a valid key segment", ownerID)
	}
	for _, r := range ownerID {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("owner id contains control characters")
		}
	}
	return nil
}
