// Package playlist parses the two HLS playlist shapes the engine needs
// (spec.md §4.2): master playlists (pick the first stream-info entry) and
// media playlists (ordered segments, init segment, completeness). Parsing
// is a pure function of bytes plus a base URL; all I/O happens in the
// caller. The tag-scanning approach is grounded on the teacher's
// EXTINF/EXT-X-PROGRAM-DATE-TIME line scanner.
package playlist

import (
	"bufio"
	"net/url"
	"strconv"
	"strings"

	"github.com/jellyvod/jellydown/internal/engineerr"
	"github.com/jellyvod/jellydown/internal/engine/model"
)

// MasterEntry is the selected stream-info entry from a master playlist.
type MasterEntry struct {
	URL        string
	Bandwidth  int
	Resolution string
	Codecs     string
}

// MediaPlaylist is the parsed result of a media playlist (spec.md §4.2).
type MediaPlaylist struct {
	Segments        []model.Segment
	InitSegmentURL  string
	TargetDuration  float64
	TotalDuration   float64
	IsComplete      bool
}

// ParseMaster selects the first stream-info entry in a master playlist and
// resolves its URL against baseURL.
func ParseMaster(data []byte, baseURL string) (MasterEntry, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var pending *MasterEntry

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			entry := MasterEntry{
				Resolution: attrs["RESOLUTION"],
				Codecs:     attrs["CODECS"],
			}
			if bw, err := strconv.Atoi(attrs["BANDWIDTH"]); err == nil {
				entry.Bandwidth = bw
			}
			pending = &entry
			continue
		}
		if !strings.HasPrefix(line, "#") {
			if pending != nil {
				pending.URL = resolveURL(baseURL, line)
				return *pending, nil
			}
			// A bare URI with no preceding stream-info tag does not count
			// as a selectable entry.
		}
	}
	return MasterEntry{}, &engineerr.NoMediaPlaylistError{URL: baseURL}
}

// ParseMedia produces the ordered segment list, optional init segment URL,
// target duration (fallback 6s), total duration and completeness flag for
// a media playlist.
func ParseMedia(data []byte, baseURL string) (MediaPlaylist, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	result := MediaPlaylist{TargetDuration: 6}

	var (
		nextDuration     float64
		haveByteRange    bool
		nextByteRangeLen int64
		nextByteRangeOff int64
		index            int
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				result.TargetDuration = v
			}

		case line == "#EXT-X-ENDLIST":
			result.IsComplete = true

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-MAP:"))
			if uri, ok := attrs["URI"]; ok {
				result.InitSegmentURL = resolveURL(baseURL, uri)
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			durPart := strings.TrimPrefix(line, "#EXTINF:")
			if idx := strings.Index(durPart, ","); idx != -1 {
				durPart = durPart[:idx]
			}
			if v, err := strconv.ParseFloat(durPart, 64); err == nil {
				nextDuration = v
			} else {
				nextDuration = 0
			}

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			spec := strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")
			length, offset, ok := parseByteRange(spec)
			if ok {
				haveByteRange = true
				nextByteRangeLen = length
				nextByteRangeOff = offset
			} else {
				haveByteRange = false
			}

		case strings.HasPrefix(line, "#"):
			// Unrecognized tag, ignored.

		default:
			seg := model.Segment{
				Index:    index,
				URI:      resolveURL(baseURL, line),
				Duration: nextDuration,
			}
			if haveByteRange {
				seg.HasByteRange = true
				seg.ByteRangeLen = nextByteRangeLen
				seg.ByteRangeOff = nextByteRangeOff
			}
			result.Segments = append(result.Segments, seg)
			result.TotalDuration += nextDuration
			index++

			nextDuration = 0
			haveByteRange = false
		}
	}

	return result, nil
}

// parseByteRange parses "length[@offset]"; offset defaults to 0. An
// invalid length yields ok=false so the caller attaches no byte-range
// rather than crashing (spec.md §8 boundary behavior).
func parseByteRange(spec string) (length, offset int64, ok bool) {
	parts := strings.SplitN(spec, "@", 2)
	length, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if len(parts) == 2 {
		offset, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return length, offset, true
}

// parseAttributes parses a comma-separated KEY=VALUE attribute list where
// values may be double-quoted; commas inside quotes do not split, and
// surrounding quotes are stripped from the result.
func parseAttributes(s string) map[string]string {
	out := make(map[string]string)
	var (
		key     strings.Builder
		val     strings.Builder
		inQuote bool
		inValue bool
	)
	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			out[k] = strings.Trim(strings.TrimSpace(val.String()), `"`)
		}
		key.Reset()
		val.Reset()
		inValue = false
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			if inValue {
				val.WriteRune(r)
			}
		case r == '=' && !inQuote && !inValue:
			inValue = true
		case r == ',' && !inQuote:
			flush()
		default:
			if inValue {
				val.WriteRune(r)
			} else {
				key.WriteRune(r)
			}
		}
	}
	flush()
	// Strip the quotes we deliberately preserved while scanning.
	for k, v := range out {
		out[k] = strings.Trim(v, `"`)
	}
	return out
}

// resolveURL resolves ref against base. Absolute refs are returned as-is;
// relative refs use directory replacement (the base's path up to and
// including its last slash, plus the ref's path), and the ref's query
// parameters are merged into the base's query with the ref winning on
// duplicate keys (spec.md §4.2).
func resolveURL(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err == nil && refURL.IsAbs() {
		return ref
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}

	dir := baseURL.Path
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[:idx+1]
	} else {
		dir = ""
	}

	refPath := ref
	refQuery := ""
	if idx := strings.Index(ref, "?"); idx >= 0 {
		refPath = ref[:idx]
		refQuery = ref[idx+1:]
	}

	resolved := *baseURL
	resolved.Path = dir + refPath

	merged := resolved.Query()
	if refQuery != "" {
		refValues, _ := url.ParseQuery(refQuery)
		for k, vs := range refValues {
			merged[k] = vs
		}
	}
	resolved.RawQuery = merged.Encode()

	return resolved.String()
}
