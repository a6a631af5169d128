package chanfs

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"chanfs/internal/chat"
)

// EmptyMessageID is the payload pointer of a version with no content.
const EmptyMessageID chat.MessageID = -1

// SizeInvalid marks a version whose size has not been resolved yet.
const SizeInvalid int64 = -1

// FileVersion is one payload generation of a file.
type FileVersion struct {
	ID        string
	UpdatedAt time.Time
	MessageID chat.MessageID
	Size      int64
}

// IsEmpty reports whether the version is a placeholder without content.
func (v *FileVersion) IsEmpty() bool {
	return v.MessageID == EmptyMessageID
}

// File is a file descriptor: the versions of one logical file. A File
// always holds at least one version and LatestVersionID names one of them.
type File struct {
	Name            string
	CreatedAt       time.Time
	Versions        []*FileVersion
	LatestVersionID string
}

func newFile(name string, first *FileVersion) *File {
	f := &File{Name: name, Versions: []*FileVersion{first}}
	f.refresh()
	return f
}

// Latest returns the current version.
func (f *File) Latest() *FileVersion {
	return f.Version(f.LatestVersionID)
}

// Version returns the version with the given id, or nil.
func (f *File) Version(id string) *FileVersion {
	for _, v := range f.Versions {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// History returns the versions ordered oldest to newest.
func (f *File) History() []*FileVersion {
	out := slices.Clone(f.Versions)
	slices.SortStableFunc(out, func(a, b *FileVersion) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return out
}

func (f *File) addVersion(v *FileVersion) {
	f.Versions = append(f.Versions, v)
	f.refresh()
}

func (f *File) removeVersion(id string) bool {
	i := slices.IndexFunc(f.Versions, func(v *FileVersion) bool { return v.ID == id })
	if i < 0 {
		return false
	}
	f.Versions = slices.Delete(f.Versions, i, i+1)
	f.refresh()
	return true
}

// refresh recomputes the latest version and creation time. The latest
// version has the greatest UpdatedAt; on a tie the later entry wins.
func (f *File) refresh() {
	f.LatestVersionID = ""
	f.CreatedAt = time.Time{}
	var latest *FileVersion
	for _, v := range f.Versions {
		if latest == nil || !v.UpdatedAt.Before(latest.UpdatedAt) {
			latest = v
		}
		if f.CreatedAt.IsZero() || v.UpdatedAt.Before(f.CreatedAt) {
			f.CreatedAt = v.UpdatedAt
		}
	}
	if latest != nil {
		f.LatestVersionID = latest.ID
	}
}

type fileDocument struct {
	Name     string            `json:"name"`
	Versions []versionDocument `json:"versions"`
}

type versionDocument struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
	MessageID int64  `json:"messageId"`
}

func encodeFile(f *File) (string, error) {
	doc := fileDocument{Name: f.Name, Versions: make([]versionDocument, 0, len(f.Versions))}
	for _, v := range f.Versions {
		doc.Versions = append(doc.Versions, versionDocument{
			ID:        v.ID,
			UpdatedAt: v.UpdatedAt.UnixMilli(),
			MessageID: int64(v.MessageID),
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding descriptor %q: %w", f.Name, err)
	}
	return string(data), nil
}

// decodeFile parses a descriptor. Sizes are not stored, so every version
// with content comes back as SizeInvalid.
func decodeFile(text string) (*File, error) {
	var doc fileDocument
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	if len(doc.Versions) == 0 {
		return nil, fmt.Errorf("decoding descriptor %q: no versions", doc.Name)
	}

	f := &File{Name: doc.Name}
	for _, d := range doc.Versions {
		v := &FileVersion{
			ID:        d.ID,
			UpdatedAt: time.UnixMilli(d.UpdatedAt).UTC(),
			MessageID: chat.MessageID(d.MessageID),
			Size:      SizeInvalid,
		}
		if v.IsEmpty() {
			v.Size = 0
		}
		f.Versions = append(f.Versions, v)
	}
	f.refresh()
	return f, nil
}
