// Package playlist parses line-oriented playlist documents incrementally and
// extracts the sequence and expiry markers carried in playlist URLs.
package playlist

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"
)

// EventKind classifies a parser event.
type EventKind int

const (
	// EventTag is a directive line such as "#EXT-X-MEDIA-SEQUENCE:5".
	EventTag EventKind = iota
	// EventItem is a chunk reference line.
	EventItem
	// EventEnd is emitted once, after the final line of a document.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventTag:
		return "tag"
	case EventItem:
		return "item"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Event is one classified line of a playlist document.
type Event struct {
	Kind EventKind

	// Tag and Payload are set for EventTag. HasPayload distinguishes
	// "#TAG" from "#TAG:".
	Tag        string
	Payload    string
	HasPayload bool

	// URI is the trimmed line for EventItem.
	URI string
}

// ErrFinished is returned by Write after Finish has been called.
var ErrFinished = errors.New("playlist parser already finished")

var directive = regexp.MustCompile(`^#([A-Za-z0-9-]+)(?::(.*))?$`)

// LineParser splits a document into lines as bytes arrive, possibly with a
// line spread over several Feed calls, and emits one Event per meaningful
// line. A LineParser handles exactly one document.
type LineParser struct {
	emit     func(Event)
	pending  []byte
	finished bool
}

// NewLineParser returns a parser delivering events to emit.
func NewLineParser(emit func(Event)) *LineParser {
	if emit == nil {
		emit = func(Event) {}
	}
	return &LineParser{emit: emit}
}

// Feed consumes the next piece of the document. Complete lines are classified
// immediately; the trailing partial line is kept until more data or Finish.
func (p *LineParser) Feed(b []byte) {
	if p.finished {
		return
	}
	for {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		if len(p.pending) > 0 {
			p.pending = append(p.pending, b[:i]...)
			p.classify(p.pending)
			p.pending = p.pending[:0]
		} else {
			p.classify(b[:i])
		}
		b = b[i+1:]
	}
	p.pending = append(p.pending, b...)
}

// Write implements io.Writer on top of Feed.
func (p *LineParser) Write(b []byte) (int, error) {
	if p.finished {
		return 0, ErrFinished
	}
	p.Feed(b)
	return len(b), nil
}

// Finish classifies the pending partial line and emits EventEnd. Calls after
// the first are no-ops.
func (p *LineParser) Finish() {
	if p.finished {
		return
	}
	p.finished = true
	if len(p.pending) > 0 {
		p.classify(p.pending)
		p.pending = nil
	}
	p.emit(Event{Kind: EventEnd})
}

func (p *LineParser) classify(raw []byte) {
	line := strings.TrimSuffix(string(raw), "\r")

	if m := directive.FindStringSubmatchIndex(line); m != nil {
		ev := Event{Kind: EventTag, Tag: line[m[2]:m[3]]}
		if m[4] >= 0 {
			ev.Payload = line[m[4]:m[5]]
			ev.HasPayload = true
		}
		p.emit(ev)
		return
	}

	uri := strings.TrimSpace(line)
	if uri == "" || strings.HasPrefix(uri, "#") {
		return
	}
	p.emit(Event{Kind: EventItem, URI: uri})
}

// Items reads a whole document from r and returns its chunk references in
// document order.
func Items(r io.Reader) ([]string, error) {
	var items []string
	p := NewLineParser(func(ev Event) {
		if ev.Kind == EventItem {
			items = append(items, ev.URI)
		}
	})
	if _, err := io.Copy(p, r); err != nil {
		return nil, err
	}
	p.Finish()
	return items, nil
}
