package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
)

func graphArgs(opts GraphOptions) []string {
	rate := opts.FrameRate
	if rate.IsZero() {
		rate = Rational{Num: 25, Den: 1}
	}
	return []string{
		"-hide_banner", "-nostats", "-loglevel", "info",
		"-f", "rawvideo",
		"-pix_fmt", opts.In.PixFmt,
		"-video_size", fmt.Sprintf("%dx%d", opts.In.Width, opts.In.Height),
		"-framerate", rate.String(),
		"-i", "pipe:0",
		"-vf", opts.Description,
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", opts.Out.PixFmt,
		"pipe:1",
	}
}

var (
	metaFrameRe = regexp.MustCompile(`\bframe:(\d+)\s+pts:`)
	metaValueRe = regexp.MustCompile(`\]\s*(lavfi\.[\w.]+)=(\S+)\s*$`)
)

// metadataParser follows the output of ffmpeg's metadata=print filter,
// which logs a "frame:N pts:..." header followed by key=value lines.
type metadataParser struct {
	frame int64
	seen  bool
}

// feed consumes one stderr line and reports a key/value pair bound to the
// current frame when the line carries one.
func (p *metadataParser) feed(line string) (frame int64, key, value string, ok bool) {
	if m := metaFrameRe.FindStringSubmatch(line); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			p.frame, p.seen = n, true
		}
		return 0, "", "", false
	}
	if !p.seen {
		return 0, "", "", false
	}
	if m := metaValueRe.FindStringSubmatch(line); m != nil {
		return p.frame, m[1], m[2], true
	}
	return 0, "", "", false
}

type processGraph struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	in     Format
	out    Format
	key    string
	cancel context.CancelFunc
	tail   *tailBuffer

	inputOnce sync.Once
	finished  chan struct{}
	waitErr   error

	mu         sync.Mutex
	frames     []*Frame
	meta       map[int64]map[string]string
	seq        int64
	stderrDone bool
	readErr    error
}

// OpenGraph starts a filter process. Frames written to Push come back out
// of Pull after passing through opts.Description.
func (t *Toolkit) OpenGraph(ctx context.Context, opts GraphOptions) (Graph, error) {
	if opts.In.FrameSize() == 0 {
		return nil, fmt.Errorf("unsupported graph input format %s", opts.In)
	}
	if opts.Out.FrameSize() == 0 {
		return nil, fmt.Errorf("unsupported graph output format %s", opts.Out)
	}
	if opts.Description == "" {
		return nil, errors.New("empty filter description")
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := t.command(pctx, t.FFmpegBin, graphArgs(opts))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("graph stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("graph stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("graph stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start filter graph: %w", err)
	}

	g := &processGraph{
		cmd:      cmd,
		stdin:    stdin,
		in:       opts.In,
		out:      opts.Out,
		key:      opts.MetadataKey,
		cancel:   cancel,
		tail:     newTail(12),
		finished: make(chan struct{}),
		meta:     make(map[int64]map[string]string),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		g.readFrames(stdout)
	}()
	go func() {
		defer readers.Done()
		g.readLog(stderr)
	}()
	go func() {
		readers.Wait()
		g.waitErr = exitErr("filter graph", cmd.Wait(), g.tail)
		close(g.finished)
	}()
	return g, nil
}

func (g *processGraph) readFrames(r io.Reader) {
	size := g.out.FrameSize()
	for {
		buf := make([]byte, size)
		_, err := io.ReadFull(r, buf)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				g.mu.Lock()
				g.readErr = errors.New("filter graph produced a truncated frame")
				g.mu.Unlock()
			}
			return
		}
		g.mu.Lock()
		g.frames = append(g.frames, &Frame{Format: g.out, Data: buf, Index: g.seq})
		g.seq++
		g.mu.Unlock()
	}
}

func (g *processGraph) readLog(r io.Reader) {
	var parser metadataParser
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		g.tail.add(line)
		frame, key, value, ok := parser.feed(line)
		if !ok {
			continue
		}
		g.mu.Lock()
		m := g.meta[frame]
		if m == nil {
			m = make(map[string]string)
			g.meta[frame] = m
		}
		m[key] = value
		g.mu.Unlock()
	}
	// Drain whatever the scanner refused so the process never blocks.
	_, _ = io.Copy(io.Discard, r)
	g.mu.Lock()
	g.stderrDone = true
	g.mu.Unlock()
}

func (g *processGraph) closeInput() {
	g.inputOnce.Do(func() { _ = g.stdin.Close() })
}

// failure returns the process error after it has exited.
func (g *processGraph) failure(fallback error) error {
	<-g.finished
	if g.waitErr != nil {
		return g.waitErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return g.readErr
	}
	return fallback
}

func (g *processGraph) Push(f *Frame) error {
	if f == nil {
		g.closeInput()
		return nil
	}
	if len(f.Data) != g.in.FrameSize() {
		return fmt.Errorf("frame of %d bytes does not match graph input %s", len(f.Data), g.in)
	}
	if _, err := g.stdin.Write(f.Data); err != nil {
		return g.failure(fmt.Errorf("write to filter graph: %w", err))
	}
	return nil
}

func (g *processGraph) Pull() (*Frame, error) {
	g.mu.Lock()
	if len(g.frames) > 0 {
		f := g.frames[0]
		m, ok := g.meta[f.Index]
		if g.key != "" && !g.stderrDone {
			if !ok {
				g.mu.Unlock()
				return nil, ErrAgain
			}
			if _, has := m[g.key]; !has {
				g.mu.Unlock()
				return nil, ErrAgain
			}
		}
		if ok {
			f.Metadata = m
			delete(g.meta, f.Index)
		}
		g.frames = g.frames[1:]
		g.mu.Unlock()
		return f, nil
	}
	g.mu.Unlock()

	select {
	case <-g.finished:
		if err := g.failure(nil); err != nil {
			return nil, err
		}
		return nil, io.EOF
	default:
		return nil, ErrAgain
	}
}

// Close stops the process. A graph that already drained to EOF exits on
// its own; anything still running is killed.
func (g *processGraph) Close() error {
	g.closeInput()
	select {
	case <-g.finished:
	default:
		g.cancel()
		<-g.finished
	}
	g.cancel()
	return nil
}
