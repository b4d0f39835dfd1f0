package manifest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

func TestBuildGolden(t *testing.T) {
	want := `#EXTM3U
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="video",NAME="360p",DEFAULT=NO,AUTOSELECT=YES,URI="abc123/360p.m3u8"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="video",NAME="720p",DEFAULT=NO,AUTOSELECT=YES,URI="abc123/720p.m3u8"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="video",NAME="1080p",DEFAULT=NO,AUTOSELECT=YES,URI="abc123/1080p.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,AVERAGE-BANDWIDTH=800000,CODECS="avc1.42c01e,mp4a.40.2",RESOLUTION=640x360,VIDEO="video"
abc123/360p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,AVERAGE-BANDWIDTH=2000000,CODECS="avc1.42c01e,mp4a.40.2",RESOLUTION=1280x720,VIDEO="video"
abc123/720p.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=4000000,AVERAGE-BANDWIDTH=4000000,CODECS="avc1.42c01e,mp4a.40.2",RESOLUTION=1920x1080,VIDEO="video"
abc123/1080p.m3u8
`
	got := string(Build("abc123", job.DefaultCatalog()))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDeterministic(t *testing.T) {
	catalog := job.DefaultCatalog()
	first := Build("video.mp4", catalog)
	second := Build("video.mp4", catalog)
	assert.True(t, bytes.Equal(first, second))
}

func TestBuildStreamEntries(t *testing.T) {
	out := string(Build("abc123", job.DefaultCatalog()))
	var bandwidths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			attrs := strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")
			bandwidths = append(bandwidths, strings.SplitN(attrs, ",", 2)[0])
		}
	}
	assert.Equal(t, []string{"BANDWIDTH=800000", "BANDWIDTH=2000000", "BANDWIDTH=4000000"}, bandwidths)
}

func TestBuildEmptyCatalog(t *testing.T) {
	assert.Equal(t, "#EXTM3U\n", string(Build("abc", nil)))
}

func TestPlaylistName(t *testing.T) {
	assert.Equal(t, "720p.m3u8", PlaylistName("720p"))
	assert.Equal(t, "master.m3u8", MasterName)
}

func TestBuildKeepsIDsVerbatim(t *testing.T) {
	catalog := job.DefaultCatalog()[:1]
	for _, id := range []string{"my clip.mp4", "vidéo", "a,b=c", `it's`} {
		out := string(Build(id, catalog))
		assert.Contains(t, out, `URI="`+id+`/360p.m3u8"`)
		assert.Contains(t, out, "\n"+id+"/360p.m3u8\n")
	}
}
