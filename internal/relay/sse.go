package relay

import (
	"bufio"
	"io"
	"strings"
)

// event is one server-sent event.
type event struct {
	Type string
	Data string
}

// sseScanner reads server-sent events. Events end at a blank line; "data:"
// lines are joined with newlines; comments and unknown fields are skipped.
type sseScanner struct {
	reader  *bufio.Reader
	current event
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at end of input or on a
// read error; Err distinguishes the two.
func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = event{}

	var data []string
	var typ string
	hasData := false

	for {
		line, err := s.reader.ReadString('\n')

		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if hasData {
					s.current = event{Type: typ, Data: strings.Join(data, "\n")}
					return true
				}
				typ = ""
			case strings.HasPrefix(line, ":"):
			default:
				field, value, ok := strings.Cut(line, ":")
				if !ok {
					field, value = line, ""
				} else {
					value = strings.TrimPrefix(value, " ")
				}
				switch field {
				case "data":
					data = append(data, value)
					hasData = true
				case "event":
					typ = value
				}
			}
		}

		if err != nil {
			s.err = err
			if err == io.EOF && hasData {
				// Last event without its blank-line terminator.
				s.current = event{Type: typ, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}
	}
}

func (s *sseScanner) Event() event {
	return s.current
}

// Err returns the read error that stopped scanning, or nil on clean EOF.
func (s *sseScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
