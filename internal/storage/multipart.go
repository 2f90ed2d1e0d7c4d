package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TagPrefix namespaces every multipart tag stored against an object.
const TagPrefix = "multipart:"

const (
	tagParts    = "parts"
	tagPartSize = "part_size"
	tagSize     = "size"
)

// MultipartUpload is the state of an in-progress multipart upload.
type MultipartUpload struct {
	// Parts is the declared number of parts.
	Parts int
	// PartSize is the size of every part but the last. Zero when the
	// client did not declare one and the backend did not need it.
	PartSize int64
	// Size is the declared total size.
	Size int64
	// Extra holds backend continuation data (upload ids, part etags, ...),
	// keyed without the tag prefix.
	Extra map[string]string
}

// PartLink is a link through which one part can be uploaded.
type PartLink struct {
	Part       int       `json:"part"`
	URL        string    `json:"url"`
	Expiration time.Time `json:"expiration"`
}

// IsLast reports whether part is the final declared part.
func (u *MultipartUpload) IsLast(part int) bool {
	return part == u.Parts
}

// Offset returns the byte offset at which part starts.
func (u *MultipartUpload) Offset(part int) int64 {
	return int64(part-1) * u.PartSize
}

// Merge folds a backend delta into Extra.
func (u *MultipartUpload) Merge(delta map[string]string) {
	if len(delta) == 0 {
		return
	}
	if u.Extra == nil {
		u.Extra = make(map[string]string, len(delta))
	}
	for k, v := range delta {
		u.Extra[k] = v
	}
}

// Tags encodes the upload as prefixed string tags. The total size is only
// included when includeSize is set.
func (u *MultipartUpload) Tags(includeSize bool) map[string]string {
	tags := map[string]string{
		TagPrefix + tagParts: strconv.Itoa(u.Parts),
	}
	if u.PartSize > 0 {
		tags[TagPrefix+tagPartSize] = strconv.FormatInt(u.PartSize, 10)
	}
	if includeSize {
		tags[TagPrefix+tagSize] = strconv.FormatInt(u.Size, 10)
	}
	for k, v := range u.Extra {
		tags[TagPrefix+k] = v
	}
	return tags
}

// PrefixTags namespaces a backend delta for storage.
func PrefixTags(delta map[string]string) map[string]string {
	out := make(map[string]string, len(delta))
	for k, v := range delta {
		out[TagPrefix+k] = v
	}
	return out
}

// ParseMultipartUpload decodes tags written by Tags. size is used as the
// total size when the tags do not carry one.
func ParseMultipartUpload(tags map[string]string, size int64) (*MultipartUpload, error) {
	u := &MultipartUpload{Size: size}
	for k, v := range tags {
		name, ok := strings.CutPrefix(k, TagPrefix)
		if !ok {
			continue
		}
		switch name {
		case tagParts:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("parsing %s%s=%q: %w", TagPrefix, tagParts, v, err)
			}
			u.Parts = n
		case tagPartSize:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %s%s=%q: %w", TagPrefix, tagPartSize, v, err)
			}
			u.PartSize = n
		case tagSize:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %s%s=%q: %w", TagPrefix, tagSize, v, err)
			}
			u.Size = n
		default:
			if u.Extra == nil {
				u.Extra = make(map[string]string)
			}
			u.Extra[name] = v
		}
	}
	if u.Parts < 1 {
		return nil, fmt.Errorf("multipart upload state has no part count")
	}
	return u, nil
}
