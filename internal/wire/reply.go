package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Status lines answering NOTIFY, HAVE and UPLOAD.
const (
	StatusOK    = "200 ok\n"
	StatusFails = "500 fails\n"
)

// ErrFailed is returned by ReadStatus when the daemon answered "500 fails".
var ErrFailed = errors.New("remote request failed")

// WriteStatus writes the status line for ok.
func WriteStatus(w io.Writer, ok bool) error {
	line := StatusFails
	if ok {
		line = StatusOK
	}
	_, err := io.WriteString(w, line)
	return err
}

// ReadStatus reads a status line and maps "500 fails" to ErrFailed.
func ReadStatus(br *bufio.Reader) error {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	switch strings.TrimSpace(line) {
	case strings.TrimSpace(StatusOK):
		return nil
	case strings.TrimSpace(StatusFails):
		return ErrFailed
	}
	return fmt.Errorf("unexpected status %q", strings.TrimSpace(line))
}

// Query reply codes.
const (
	CodeNobody     = 100 // no server is known to supply the archive
	CodeNotFound   = 120 // unknown archive
	CodeFound      = 220 // available here; text carries the URL
	CodeRegistered = 221 // demand registered, the archive will be fetched
)

// Reply is a query answer, "<3-digit code> <text>".
type Reply struct {
	Code int
	Text string
}

func (r Reply) String() string {
	return fmt.Sprintf("%03d %s", r.Code, r.Text)
}

// OK reports whether the code is in the 2xx class.
func (r Reply) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// WriteReply writes r as one line.
func WriteReply(w io.Writer, r Reply) error {
	_, err := io.WriteString(w, r.String()+"\n")
	return err
}

// ParseReply parses a reply line.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return Reply{}, fmt.Errorf("short reply %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return Reply{}, fmt.Errorf("bad reply code %q", line)
	}
	if len(line) > 3 && line[3] != ' ' {
		return Reply{}, fmt.Errorf("bad reply %q", line)
	}
	return Reply{Code: code, Text: strings.TrimPrefix(line[3:], " ")}, nil
}

// ReadReply reads and parses one reply line.
func ReadReply(br *bufio.Reader) (Reply, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return Reply{}, err
	}
	return ParseReply(line)
}
