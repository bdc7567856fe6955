package storage

import "github.com/lowlayer/infoharvest/internal/bencode"

// parsedInfo is the subset of an info dict's fields storage needs:
// display name, total content size, and file count (1 for a
// single-file torrent, len(files) for a multi-file one).
type parsedInfo struct {
	name      string
	totalSize int64
	fileCount int
}

// parseInfo reads name/length/files out of a raw info dict without
// requiring a full metainfo struct, since the crawler never needs
// piece hashes or anything else in the dict.
func parseInfo(raw []byte) (parsedInfo, error) {
	v, err := bencode.DecodeAll(raw)
	if err != nil {
		return parsedInfo{}, err
	}

	var info parsedInfo
	if nv, ok := v.Get("name"); ok {
		if n, err := nv.Str(); err == nil {
			info.name = n
		}
	}

	if lv, ok := v.Get("length"); ok {
		// Single-file torrent.
		n, err := lv.IntVal()
		if err != nil {
			return parsedInfo{}, err
		}
		info.totalSize = n
		info.fileCount = 1
		return info, nil
	}

	filesV, ok := v.Get("files")
	if !ok {
		return info, nil
	}
	files, err := filesV.ListVal()
	if err != nil {
		return parsedInfo{}, err
	}
	info.fileCount = len(files)
	for _, fv := range files {
		lv, ok := fv.Get("length")
		if !ok {
			continue
		}
		n, err := lv.IntVal()
		if err != nil {
			continue
		}
		info.totalSize += n
	}
	return info, nil
}
