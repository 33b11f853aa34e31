package encoder

import (
	"fmt"
	"net/url"
	"strings"
)

// buildArgs assembles the ffmpeg invocation for one session: packed RGBA
// rawvideo on stdin, a silent audio bed (RTMP ingests commonly reject
// video-only streams), x264 at the plan bitrate, FLV to the destination.
func buildArgs(cfg Config) []string {
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	rate := fmt.Sprintf("%d", cfg.FrameRate)
	bitrate := fmt.Sprintf("%dk", cfg.BitrateKbps)
	// Keyframe every two seconds keeps ingest latency and seek
	// granularity predictable.
	gop := fmt.Sprintf("%d", cfg.FrameRate*2)

	return []string{
		"-hide_banner",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", size,
		"-r", rate,
		"-i", "pipe:0",
		"-f", "lavfi",
		"-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", fmt.Sprintf("%dk", cfg.BitrateKbps*2),
		"-g", gop,
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "flv",
		publishURL(cfg.IngestURL, cfg.StreamKey),
	}
}

// publishURL joins the ingest URL and stream key the way RTMP ingests
// expect (rtmp://host/app/streamkey).
func publishURL(ingestURL, streamKey string) string {
	return strings.TrimRight(ingestURL, "/") + "/" + streamKey
}

// RedactDestination renders an ingest URL for logs and API responses with
// any embedded credentials and the stream key masked out.
func RedactDestination(ingestURL string) string {
	u, err := url.Parse(ingestURL)
	if err != nil {
		return "rtmp://****"
	}
	u.User = nil
	u.RawQuery = ""
	return u.Scheme + "://" + u.Host + u.Path + "/****"
}
