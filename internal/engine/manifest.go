package engine

import (
	"sort"
	"strconv"
)

// HistoryEntry is one execution's record in the engine history.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// NodeOutput lists the files one node produced, per media kind.
type NodeOutput struct {
	Videos []FileInfo `json:"videos,omitempty"`
	Gifs   []FileInfo `json:"gifs,omitempty"`
	Images []FileInfo `json:"images,omitempty"`
}

// FileInfo identifies one produced file in the engine's output namespace.
type FileInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// TransientType marks intermediate files that are never collected.
const TransientType = "temp"

// Transient reports whether the file is an intermediate artifact.
func (f FileInfo) Transient() bool { return f.Type == TransientType }

// Files returns the node's files in fixed media order: videos, gifs, images.
func (o NodeOutput) Files() []FileInfo {
	files := make([]FileInfo, 0, len(o.Videos)+len(o.Gifs)+len(o.Images))
	files = append(files, o.Videos...)
	files = append(files, o.Gifs...)
	files = append(files, o.Images...)
	return files
}

// SortedNodeIDs returns the manifest's node IDs in deterministic order.
// Engine node IDs are numeric strings; they sort numerically, with any
// non-numeric IDs last in lexical order.
func SortedNodeIDs(outputs map[string]NodeOutput) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, errI := strconv.Atoi(ids[i])
		nj, errJ := strconv.Atoi(ids[j])
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}
