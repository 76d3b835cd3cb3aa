package playlist

import "testing"

func TestParseMasterSelectsFirstStreamInfo(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.640028,mp4a.40.2"
media.m3u8
`)
	entry, err := ParseMaster(data, "https://host/videos/item/master.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.URL != "https://host/videos/item/media.m3u8" {
		t.Fatalf("unexpected resolved URL: %s", entry.URL)
	}
	if entry.Bandwidth != 2000000 {
		t.Fatalf("unexpected bandwidth: %d", entry.Bandwidth)
	}
	if entry.Resolution != "1280x720" {
		t.Fatalf("unexpected resolution: %s", entry.Resolution)
	}
}

func TestParseMasterNoStreamInfo(t *testing.T) {
	_, err := ParseMaster([]byte("#EXTM3U\n"), "https://host/master.m3u8")
	if err == nil {
		t.Fatal("expected NoMediaPlaylist error")
	}
}

func TestParseMasterQueryMergeEntryWins(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000000
media.m3u8?token=entrytoken
`)
	entry, err := ParseMaster(data, "https://host/videos/item/master.m3u8?token=basetoken&session=abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.URL != "https://host/videos/item/media.m3u8?session=abc&token=entrytoken" {
		t.Fatalf("unexpected merged URL: %s", entry.URL)
	}
}

func TestParseMediaHappyPath(t *testing.T) {
	data := []byte(`#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
0.mp4
#EXTINF:6.0,
1.mp4
#EXTINF:4.5,
2.mp4
#EXT-X-ENDLIST
`)
	result, err := ParseMedia(data, "https://host/videos/item/media.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(result.Segments))
	}
	if result.TotalDuration != 16.5 {
		t.Fatalf("unexpected total duration: %v", result.TotalDuration)
	}
	if !result.IsComplete {
		t.Fatal("expected isComplete true")
	}
	if result.InitSegmentURL != "https://host/videos/item/init.mp4" {
		t.Fatalf("unexpected init segment URL: %s", result.InitSegmentURL)
	}
	for i, seg := range result.Segments {
		if seg.Index != i {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
	}
}

func TestParseMediaZeroSegments(t *testing.T) {
	result, err := ParseMedia([]byte("#EXTM3U\n"), "https://host/media.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalDuration != 0 {
		t.Fatalf("expected zero total duration, got %v", result.TotalDuration)
	}
	if len(result.Segments) != 0 {
		t.Fatalf("expected no segments, got %d", len(result.Segments))
	}
	if result.IsComplete {
		t.Fatal("expected isComplete false without end-list marker")
	}
}

func TestParseMediaByteRangeNoOffset(t *testing.T) {
	data := []byte(`#EXTM3U
#EXTINF:6.0,
#EXT-X-BYTERANGE:1024
0.mp4
`)
	result, err := ParseMedia(data, "https://host/media.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seg := result.Segments[0]
	if !seg.HasByteRange || seg.ByteRangeLen != 1024 || seg.ByteRangeOff != 0 {
		t.Fatalf("unexpected byte range: %+v", seg)
	}
}

func TestParseMediaInvalidByteRangeYieldsNoRange(t *testing.T) {
	data := []byte(`#EXTM3U
#EXTINF:6.0,
#EXT-X-BYTERANGE:not-a-number
0.mp4
`)
	result, err := ParseMedia(data, "https://host/media.m3u8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Segments[0].HasByteRange {
		t.Fatal("expected no byte range for invalid length")
	}
}
