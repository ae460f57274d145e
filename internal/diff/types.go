package diff

// ChangeType classifies a FileChange
type ChangeType string

const (
	Added    ChangeType = "added"
	Removed  ChangeType = "removed"
	Modified ChangeType = "modified"
)

// FileEntry describes one file while walking a tree. It is never persisted.
type FileEntry struct {
	Path   string
	Size   int64
	Binary bool
	Hash   string
}

// FileChange describes how a single path differs between two trees
type FileChange struct {
	Path        string     `json:"path"`
	Type        ChangeType `json:"change_type"`
	Binary      bool       `json:"is_binary"`
	DiffSummary *string    `json:"diff_summary"`
	ChecksumOld string     `json:"checksum_old,omitempty"`
	ChecksumNew string     `json:"checksum_new,omitempty"`
	SizeOld     *int64     `json:"size_old,omitempty"`
	SizeNew     *int64     `json:"size_new,omitempty"`
}

// Summary counts changes by type
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
}

// Total returns the number of changed paths
func (s Summary) Total() int {
	return s.Added + s.Modified + s.Removed
}

// Report is the result of comparing two trees. Changes are ordered by path.
type Report struct {
	Changes []FileChange `json:"changes"`
	Summary Summary      `json:"summary"`
}

// ByType returns the changes of the given type, preserving order
func (r *Report) ByType(t ChangeType) []FileChange {
	var out []FileChange
	for _, c := range r.Changes {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// HasChanges reports whether any path differs
func (r *Report) HasChanges() bool {
	return len(r.Changes) > 0
}
