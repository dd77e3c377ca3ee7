package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dreamware/mdtx/internal/archive"
)

// Kind names the request carried by an Envelope.
type Kind string

// Request kinds.
const (
	KindNotify Kind = "NOTIFY" // full record snapshot of the sender
	KindHave   Kind = "HAVE"   // one newly supplied archive
	KindUpload Kind = "UPLOAD" // archive bytes follow the envelope
	KindQuery  Kind = "QUERY"  // where can this archive be found
	KindStatus Kind = "STATUS" // cache accounting and peer health
)

// MaxEnvelope bounds the size of one encoded envelope.
const MaxEnvelope = 64 << 20

var (
	// ErrEnvelopeTooLarge is returned when an envelope line exceeds MaxEnvelope.
	ErrEnvelopeTooLarge = errors.New("envelope too large")
	// ErrBadEnvelope is returned for envelopes missing mandatory fields.
	ErrBadEnvelope = errors.New("malformed envelope")
)

// Envelope is one request. From is the fingerprint of the server that built
// it; relays forward the envelope untouched.
type Envelope struct {
	Kind       Kind              `json:"kind"`
	From       string            `json:"from"`
	Collection string            `json:"collection,omitempty"`
	Records    []archive.Row     `json:"records,omitempty"`
	Archive    *archive.Identity `json:"archive,omitempty"`
	Email      string            `json:"email,omitempty"`
}

// Validate checks the fields each kind needs.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindNotify:
		if e.From == "" || e.Collection == "" {
			return fmt.Errorf("%w: notify needs from and collection", ErrBadEnvelope)
		}
	case KindHave, KindUpload:
		if e.From == "" || e.Collection == "" || e.Archive == nil {
			return fmt.Errorf("%w: %s needs from, collection and archive", ErrBadEnvelope, e.Kind)
		}
	case KindQuery:
		if e.Collection == "" || e.Archive == nil {
			return fmt.Errorf("%w: query needs collection and archive", ErrBadEnvelope)
		}
	case KindStatus:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, e.Kind)
	}
	return nil
}

// WriteEnvelope encodes e as a single line.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if len(data) > MaxEnvelope {
		return ErrEnvelopeTooLarge
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ReadEnvelope decodes one envelope line. Bytes following the line stay in br.
func ReadEnvelope(br *bufio.Reader) (*Envelope, error) {
	line, err := readLine(br, MaxEnvelope)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, ErrEnvelopeTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}
