package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/session"
)

// maxScanTokenSize bounds a single stream line. Engine responses can carry
// large embedded payloads (file contents, tool results).
const maxScanTokenSize = 10 * 1024 * 1024 // 10MB

// envelope probes just the discriminator fields of a stream line. The full
// shape is decoded per type because field types differ across records (the
// "message" field is an object on assistant lines and a string on error
// lines).
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// contentBlock is one entry of an assistant message's content array.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type initLine struct {
	SessionID string `json:"session_id"`
}

type assistantLine struct {
	Message struct {
		Content []contentBlock `json:"content"`
		Usage   *Usage         `json:"usage,omitempty"`
	} `json:"message"`
}

type resultLine struct {
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

type errorLine struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Decoder lazily decodes newline-delimited records from an engine's output
// stream. No reads happen until the first call to Next. A decoder is bound to
// one stream and cannot be restarted; once it reports io.EOF it stays
// exhausted.
type Decoder struct {
	r   io.Reader
	log *slog.Logger

	once      sync.Once
	records   chan Record
	done      chan struct{}
	closeOnce sync.Once
	malformed atomic.Int64
}

// NewDecoder returns a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       r,
		log:     logger.WithComponent("stream"),
		records: make(chan Record, 1),
		done:    make(chan struct{}),
	}
}

// Next returns the next record. It blocks until a record arrives, the stream
// ends (io.EOF), or ctx is done.
func (d *Decoder) Next(ctx context.Context) (Record, error) {
	d.once.Do(d.start)
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case rec, ok := <-d.records:
		if !ok {
			return Record{}, io.EOF
		}
		return rec, nil
	}
}

// Close releases the reader goroutine when a consumer abandons the stream
// before EOF. It does not close the underlying reader; the process handle
// owns that. Safe to call more than once.
func (d *Decoder) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// Malformed returns the number of lines skipped because they were not valid
// stream records.
func (d *Decoder) Malformed() int {
	return int(d.malformed.Load())
}

// Collect drains the stream to EOF and returns every record plus the terminal
// one. A stream that ends without a terminal record yields
// session.IncompleteStreamError. On context cancellation the records decoded
// so far are returned alongside the context's error.
func (d *Decoder) Collect(ctx context.Context) ([]Record, *Record, error) {
	var records []Record
	var terminal *Record
	for {
		rec, err := d.Next(ctx)
		if errors.Is(err, io.EOF) {
			if terminal == nil {
				return records, nil, &session.IncompleteStreamError{Records: len(records)}
			}
			return records, terminal, nil
		}
		if err != nil {
			return records, nil, err
		}
		records = append(records, rec)
		if rec.Terminal() {
			t := rec
			terminal = &t
		}
	}
}

func (d *Decoder) start() {
	go func() {
		defer close(d.records)
		scanner := bufio.NewScanner(d.r)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			for _, rec := range d.parseLine(scanner.Text()) {
				select {
				case d.records <- rec:
				case <-d.done:
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			d.log.Warn("engine stream read failed", "error", err)
		}
	}()
}

// parseLine decodes one line into zero or more records. Lines that are not
// valid records are skipped and counted; a bad line never aborts the stream.
func (d *Decoder) parseLine(line string) []Record {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	// The engine may write informational lines to stdout in verbose mode.
	if !strings.HasPrefix(line, "{") {
		d.malformed.Add(1)
		d.log.Debug("skipping non-JSON line from engine", "line", truncateForLog(line))
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		d.malformed.Add(1)
		d.log.Warn("skipping malformed stream line", "error", err, "line", truncateForLog(line))
		return nil
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			d.log.Debug("skipping system record", "subtype", env.Subtype)
			return nil
		}
		var msg initLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.malformed.Add(1)
			d.log.Warn("skipping malformed init record", "error", err)
			return nil
		}
		return []Record{{Kind: KindInit, SessionID: msg.SessionID}}

	case "assistant":
		var msg assistantLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.malformed.Add(1)
			d.log.Warn("skipping malformed assistant record", "error", err)
			return nil
		}
		var recs []Record
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					recs = append(recs, Record{Kind: KindText, Text: block.Text})
				}
			case "tool_use":
				recs = append(recs, Record{
					Kind:      KindToolUse,
					ToolName:  block.Name,
					ToolInput: summarizeToolInput(block.Name, block.Input),
				})
			}
		}
		return recs

	case "user":
		// Tool results echoed back by the engine. Not part of the response.
		d.log.Debug("skipping tool result record")
		return nil

	case "result":
		var msg resultLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.malformed.Add(1)
			d.log.Warn("skipping malformed result record", "error", err)
			return nil
		}
		text := msg.Result
		if text == "" {
			text = msg.Error
		}
		return []Record{{
			Kind:      KindResult,
			Text:      text,
			SessionID: msg.SessionID,
			Subtype:   env.Subtype,
			IsError:   msg.IsError || strings.HasPrefix(env.Subtype, "error"),
			Usage:     msg.Usage,
		}}

	case "error":
		var msg errorLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.malformed.Add(1)
			d.log.Warn("skipping malformed error record", "error", err)
			return nil
		}
		text := msg.Message
		if text == "" {
			text = msg.Error
		}
		return []Record{{Kind: KindError, Text: text, IsError: true}}

	default:
		d.log.Debug("skipping unrecognized record type", "type", env.Type)
		return nil
	}
}
