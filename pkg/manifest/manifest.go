// Package manifest renders the HLS master playlist for a transcoded job.
package manifest

import (
	"bytes"
	"fmt"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

const (
	// PlaylistExt is the extension of every media and master playlist.
	PlaylistExt = "m3u8"
	// MasterName is the file name of the master playlist inside a job's output.
	MasterName = "master." + PlaylistExt
	// Codecs is advertised for every variant (H.264 baseline + AAC-LC).
	Codecs = "avc1.42c01e,mp4a.40.2"

	groupID = "video"
)

// PlaylistName returns the media playlist file name for a rendition label.
func PlaylistName(label string) string {
	return label + "." + PlaylistExt
}

// Build renders the master playlist. The output depends only on its arguments.
func Build(jobID string, renditions []job.Rendition) []byte {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	for _, r := range renditions {
		fmt.Fprintf(&buf, "#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID=%s,NAME=%s,DEFAULT=NO,AUTOSELECT=YES,URI=%s\n",
			quoted(groupID), quoted(r.Label), quoted(uri(jobID, r.Label)))
	}
	for _, r := range renditions {
		fmt.Fprintf(&buf, "#EXT-X-STREAM-INF:BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d,CODECS=%s,RESOLUTION=%s,VIDEO=%s\n",
			r.Bandwidth(), r.Bandwidth(), quoted(Codecs), r.Scale(), quoted(groupID))
		buf.WriteString(uri(jobID, r.Label))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// URIs are relative to the processed bucket root, where objects are stored
// under {jobID}/.
func uri(jobID, label string) string {
	return jobID + "/" + PlaylistName(label)
}

// quoted wraps v as an HLS quoted-string. The format has no escape sequences;
// job ids and labels are validated to contain no quotes or line breaks.
func quoted(v string) string {
	return `"` + v + `"`
}
