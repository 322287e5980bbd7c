// Package logger records chat transcripts as JSON lines.
package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/remote-agent-terminal/chatclient/internal/model"
)

// TranscriptVersion is written in every header.
const TranscriptVersion = 2

// Entry kinds.
const (
	KindReceived = "received"
	KindSent     = "sent"
	KindJoined   = "joined"
	KindLeft     = "left"
)

// TranscriptHeader is the first line of a transcript.
type TranscriptHeader struct {
	Version       int    `json:"version"`
	Timestamp     int64  `json:"timestamp"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// Entry is one transcript line after the header. Received entries carry the
// decoded message; sent entries carry the content as typed, since the
// server assigns the id.
type Entry struct {
	Offset         float64        `json:"offset"`
	Kind           string         `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
}

// Transcript records a chat session. It is safe for concurrent use.
type Transcript struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// NewTranscript creates a transcript appending to the file at filePath.
func NewTranscript(filePath string) (*Transcript, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}

	return &Transcript{
		writer:    file,
		file:      file,
		startTime: time.Now(),
	}, nil
}

// NewTranscriptWithWriter creates a transcript writing to w.
func NewTranscriptWithWriter(w io.Writer) *Transcript {
	return &Transcript{
		writer:    w,
		startTime: time.Now(),
	}
}

// WriteHeader writes the header line. Call it once before any entry.
func (t *Transcript) WriteHeader(participantID string) error {
	return t.writeLine(TranscriptHeader{
		Version:       TranscriptVersion,
		Timestamp:     t.startTime.Unix(),
		ParticipantID: participantID,
	})
}

// Received records a message delivered on a conversation.
func (t *Transcript) Received(msg model.Message) error {
	return t.write(Entry{Kind: KindReceived, ConversationID: msg.ConversationID, Message: &msg})
}

// Sent records content the participant sent to conversationID.
func (t *Transcript) Sent(conversationID, content string) error {
	return t.write(Entry{Kind: KindSent, ConversationID: conversationID, Content: content})
}

// Joined records that the participant switched to conversationID.
func (t *Transcript) Joined(conversationID string) error {
	return t.write(Entry{Kind: KindJoined, ConversationID: conversationID})
}

// Left records that the participant left conversationID.
func (t *Transcript) Left(conversationID string) error {
	return t.write(Entry{Kind: KindLeft, ConversationID: conversationID})
}

func (t *Transcript) write(e Entry) error {
	e.Offset = time.Since(t.startTime).Seconds()
	return t.writeLine(e)
}

func (t *Transcript) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript line: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript line: %w", err)
	}
	return nil
}

// Close closes the transcript file.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

// StartTime returns the start time of the recording.
func (t *Transcript) StartTime() time.Time {
	return t.startTime
}

// ErrNoHeader is returned by ReadTranscript for input without a header line.
var ErrNoHeader = errors.New("transcript has no header")

// ReadTranscript parses a transcript written by one session. Blank lines are
// skipped.
func ReadTranscript(r io.Reader) (TranscriptHeader, []Entry, error) {
	var (
		header  TranscriptHeader
		entries []Entry
		line    int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		line++
		if line == 1 {
			if err := json.Unmarshal(data, &header); err != nil {
				return header, nil, fmt.Errorf("failed to parse header: %w", err)
			}
			if header.Version == 0 {
				return header, nil, ErrNoHeader
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return header, entries, fmt.Errorf("failed to parse line %d: %w", line, err)
		}
		if e.Kind == "" {
			return header, entries, fmt.Errorf("line %d has no kind", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return header, entries, err
	}
	if line == 0 {
		return header, nil, ErrNoHeader
	}
	return header, entries, nil
}
