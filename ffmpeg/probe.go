package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		PixFmt       string `json:"pix_fmt"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probeArgs(url string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,pix_fmt,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		url,
	}
}

// parseProbe reads ffprobe's JSON report for the first video stream.
func parseProbe(data []byte) (StreamInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return StreamInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return StreamInfo{}, errors.New("no usable video stream found")
	}
	st := out.Streams[0]
	info := StreamInfo{Format: Format{Width: st.Width, Height: st.Height, PixFmt: st.PixFmt}}
	if info.Width <= 0 || info.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("video stream has invalid geometry %dx%d", st.Width, st.Height)
	}

	for _, s := range []string{st.AvgFrameRate, st.RFrameRate} {
		if r, err := ParseRational(s); err == nil && !r.IsZero() {
			info.FrameRate = r
			break
		}
	}

	for _, s := range []string{st.Duration, out.Format.Duration} {
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
			info.Duration = time.Duration(secs * float64(time.Second))
			break
		}
	}

	if n, err := strconv.ParseInt(st.NbFrames, 10, 64); err == nil && n > 0 {
		info.NumFrames = n
	} else {
		info.NumFrames = info.FrameRate.FramesIn(info.Duration)
	}
	return info, nil
}

func (t *Toolkit) probeURL(ctx context.Context, url string) (StreamInfo, error) {
	var stdout bytes.Buffer
	tail := newTail(8)
	cmd := t.command(ctx, t.FFprobeBin, probeArgs(url))
	cmd.Stdout = &stdout
	cmd.Stderr = tail
	if err := cmd.Run(); err != nil {
		return StreamInfo{}, exitErr("ffprobe", err, tail)
	}
	return parseProbe(stdout.Bytes())
}

// Probe inspects a source. Image sequences are probed through their first
// file and timed with the configured frame rate.
func (t *Toolkit) Probe(ctx context.Context, src SourceSpec) (StreamInfo, error) {
	if src.ImageSeq == nil {
		return t.probeURL(ctx, src.URL)
	}
	if src.ImageSeq.FrameRate.IsZero() {
		return StreamInfo{}, errors.New("image sequence requires a frame rate")
	}
	files, err := ListImageSequence(src.URL, *src.ImageSeq)
	if err != nil {
		return StreamInfo{}, err
	}
	if len(files) == 0 {
		return StreamInfo{}, fmt.Errorf("no images matching %q in %s", src.ImageSeq.Pattern, src.URL)
	}
	first, err := t.probeURL(ctx, files[0])
	if err != nil {
		return StreamInfo{}, fmt.Errorf("probe %s: %w", files[0], err)
	}
	rate := src.ImageSeq.FrameRate
	return StreamInfo{
		Format:    first.Format,
		FrameRate: rate,
		NumFrames: int64(len(files)),
		Duration:  rate.FrameTime(int64(len(files))),
		Files:     files,
	}, nil
}
