package runq

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	gjson "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// TevKind tags one trace event.
type TevKind int

const (
	TevPass TevKind = iota + 1
	TevDispatch
	TevRearm
	TevRemove
	TevWake
	TevCancel
	TevAppletRun
	TevGateBlock
)

func (k TevKind) String() string {
	switch k {
	case TevPass:
		return "PASS"
	case TevDispatch:
		return "DISPATCH"
	case TevRearm:
		return "REARM"
	case TevRemove:
		return "REMOVE"
	case TevWake:
		return "WAKE"
	case TevCancel:
		return "CANCEL"
	case TevAppletRun:
		return "APPLET_RUN"
	case TevGateBlock:
		return "GATE_BLOCK"
	}
	return fmt.Sprintf("TevKind(%d)", int(k))
}

// TraceEvent is one scheduling action: which pass tick,
// what happened, and the serial of the task or applet
// involved (zero for pass markers).
type TraceEvent struct {
	Now  Tick
	Kind TevKind
	Sn   int64
}

func (ev TraceEvent) String() string {
	return fmt.Sprintf("%v@%v sn=%v", ev.Kind, ev.Now, ev.Sn)
}

// Trace is a fixed-size flight recorder of scheduling
// events. The loop owns it while running; read it from
// tests driving passes directly, or after Close.
type Trace struct {
	events []TraceEvent
	n      int
	next   int
}

// NewTrace allocates a recorder keeping the most recent
// capacity events.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		panic("NewTrace: capacity must be positive")
	}
	return &Trace{
		events: make([]TraceEvent, capacity),
	}
}

func (tr *Trace) add(ev TraceEvent) {
	tr.events[tr.next] = ev
	tr.next = (tr.next + 1) % len(tr.events)
	if tr.n < len(tr.events) {
		tr.n++
	}
}

func (tr *Trace) Len() int {
	return tr.n
}

// Events returns the recorded events oldest-first.
func (tr *Trace) Events() (evs []TraceEvent) {
	if tr.n < len(tr.events) {
		evs = append(evs, tr.events[:tr.n]...)
		return
	}
	evs = append(evs, tr.events[tr.next:]...)
	evs = append(evs, tr.events[:tr.next]...)
	return
}

// traceEv records one event when a recorder is
// attached; free when not.
func (s *Sched) traceEv(now Tick, kind TevKind, sn int64) {
	if s.trace == nil {
		return
	}
	s.trace.add(TraceEvent{Now: now, Kind: kind, Sn: sn})
}

// Trace returns the attached recorder, nil without
// Config.TraceCap. Loop-owned while the scheduler runs.
func (s *Sched) Trace() *Trace {
	return s.trace
}

// The trace file is a one-line header naming the
// compression algo, then JSON lines of events framed
// through that algo. Algo choices match the wire codec
// family used elsewhere in this stack: "", "s2", "lz4",
// "zstd".

const traceMagic = "runqtrace1"

// compress is implemented by
// *lz4.Writer
// *s2.Writer
// *zstd.Encoder
type compress interface {
	Reset(io.Writer)
	Write(data []byte) (n int, err error)
	Close() error
}

// decompress is implemented by
// *lz4.Reader
// *s2.Reader
// *zstd.Decoder (wrapped; see below)
type decompress interface {
	Reset(io.Reader)
	Read(p []byte) (n int, err error)
}

// wrapZstdDecoder drops the error from zstd's
// Reset(io.Reader) error so one interface serves all
// three algos. The constructor does not arm the
// embedded WaitGroup, so copying the struct here is
// safe.
type wrapZstdDecoder struct {
	zstd.Decoder
}

func (d *wrapZstdDecoder) Reset(r io.Reader) {
	d.Decoder.Reset(r)
}

func newTraceCompressor(algo string) (compress, error) {
	switch algo {
	case "":
		return nil, nil
	case "s2":
		return s2.NewWriter(nil), nil
	case "lz4":
		comp := lz4.NewWriter(nil)
		options := []lz4.Option{
			lz4.BlockChecksumOption(true),
			lz4.CompressionLevelOption(lz4.Fast),
		}
		if err := comp.Apply(options...); err != nil {
			return nil, fmt.Errorf("could not apply lz4 options: '%v'", err)
		}
		return comp, nil
	case "zstd":
		return zstd.NewWriter(nil)
	}
	return nil, fmt.Errorf("unknown trace compression algo '%v'", algo)
}

func newTraceDecompressor(algo string) (decompress, error) {
	switch algo {
	case "":
		return nil, nil
	case "s2":
		return s2.NewReader(nil), nil
	case "lz4":
		return lz4.NewReader(nil), nil
	case "zstd":
		var wrap wrapZstdDecoder
		zread, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		wrap.Decoder = *zread
		return &wrap, nil
	}
	return nil, fmt.Errorf("unknown trace compression algo '%v'", algo)
}

// WriteTo frames the recorded events through algo onto w.
func (tr *Trace) WriteTo(w io.Writer, algo string) (err error) {
	comp, err := newTraceCompressor(algo)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%v %v\n", traceMagic, algo)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	for _, ev := range tr.Events() {
		by, err := gjson.Marshal(ev)
		if err != nil {
			return err
		}
		body.Write(by)
		body.WriteByte('\n')
	}

	if comp == nil {
		_, err = io.Copy(w, &body)
		return err
	}
	comp.Reset(w)
	if _, err = io.Copy(comp, &body); err != nil {
		return err
	}
	return comp.Close()
}

// WriteFile saves the trace to path.
func (tr *Trace) WriteFile(path string, algo string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tr.WriteTo(f, algo)
}

// ReadTrace reverses WriteTo.
func ReadTrace(r io.Reader) (evs []TraceEvent, algo string, err error) {
	br := bufio.NewReader(r)
	header, err := br.ReadString('\n')
	if err != nil {
		return nil, "", fmt.Errorf("trace header: '%v'", err)
	}
	header = strings.TrimSuffix(header, "\n")
	magic, algo, _ := strings.Cut(header, " ")
	if magic != traceMagic {
		return nil, "", fmt.Errorf("not a trace file: bad magic '%v'", magic)
	}

	var body io.Reader = br
	if algo != "" {
		dec, err := newTraceDecompressor(algo)
		if err != nil {
			return nil, algo, err
		}
		dec.Reset(br)
		body = dec
	}

	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev TraceEvent
		if err := gjson.Unmarshal(line, &ev); err != nil {
			return nil, algo, fmt.Errorf("trace line %v: '%v'", len(evs)+1, err)
		}
		evs = append(evs, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, algo, err
	}
	return evs, algo, nil
}

// ReadTraceFile loads a trace written by WriteFile.
func ReadTraceFile(path string) (evs []TraceEvent, algo string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return ReadTrace(f)
}
