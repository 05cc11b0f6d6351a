// Package file defines the File entry domain entity.
package file

import "time"

// Kind partitions stored files by origin.
type Kind string

const (
	KindUpload         Kind = "upload"
	KindGeneratedImage Kind = "generated_image"
	KindVideo          Kind = "video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUpload, KindGeneratedImage, KindVideo:
		return true
	}
	return false
}

// File is the metadata record for one immutable stored blob. A file has no
// single owner; it is owned collectively by the set of tasks that reference
// it, and is deletable only when that set is empty.
type File struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageStats summarizes the file store for admin surfaces. Orphans counts
// files no task references, regardless of age.
type StorageStats struct {
	TotalFiles int          `json:"total_files"`
	TotalBytes int64        `json:"total_bytes"`
	ByKind     map[Kind]int `json:"by_kind"`
	Orphans    int          `json:"orphans"`
}
