// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ingestion

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/poiesic/stockpile/core"
)

// DefaultDelimiter separates fields when none is configured.
const DefaultDelimiter = '|'

const utf8BOM = "\ufeff"

// RecordParser turns a delimited byte stream into records, one row at a time.
type RecordParser struct {
	delimiter rune
	logger    *slog.Logger
	metrics   *Metrics
}

// NewRecordParser creates a parser for delimiter. A zero delimiter selects
// DefaultDelimiter.
func NewRecordParser(delimiter rune, logger *slog.Logger, metrics *Metrics) *RecordParser {
	if delimiter == 0 {
		delimiter = DefaultDelimiter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordParser{
		delimiter: delimiter,
		logger:    logger.With("component", "parser"),
		metrics:   metrics,
	}
}

// Records parses r with the configured delimiter.
func (p *RecordParser) Records(r io.Reader) iter.Seq2[*core.RawRecord, error] {
	return p.ParseWith(r, p.delimiter)
}

// ParseWith returns a single-pass sequence over the data rows of r. Records
// are framed by line breaks, so a quoted field cannot span lines. The first
// non-blank line names the columns. A header that cannot be read yields one
// error wrapping ErrHeaderUnreadable and ends the sequence. A row that cannot
// be split into exactly one field per column yields a *MalformedRecordError
// and parsing moves on to the next line. Any other read error ends the
// sequence.
func (p *RecordParser) ParseWith(r io.Reader, delimiter rune) iter.Seq2[*core.RawRecord, error] {
	return func(yield func(*core.RawRecord, error) bool) {
		lines := &lineReader{r: bufio.NewReader(r)}

		header, err := readHeader(lines, delimiter)
		if err != nil {
			yield(nil, err)
			return
		}

		for {
			text, err := lines.next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("reading records: %w", err))
				return
			}

			// Bare quotes inside a value are kept as text.
			row, err := splitLine(text, delimiter, true, len(header))
			if err != nil {
				p.logger.Warn("skipping malformed record", "line", lines.line, "err", err)
				p.metrics.recordMalformed()
				if !yield(nil, &MalformedRecordError{Line: lines.line, Err: err}) {
					return
				}
				continue
			}

			p.metrics.recordParsed()
			if !yield(core.NewRawRecord(header, row, lines.line), nil) {
				return
			}
		}
	}
}

// lineReader hands out one non-blank line at a time and tracks its number.
type lineReader struct {
	r    *bufio.Reader
	line int
}

func (l *lineReader) next() (string, error) {
	for {
		text, err := l.r.ReadString('\n')
		if text == "" {
			return "", err
		}
		l.line++
		text = strings.TrimRight(text, "\r\n")
		if text != "" {
			// A read error after a final unterminated line surfaces on the
			// next call.
			return text, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// splitLine parses one line into exactly fields values.
func splitLine(text string, delimiter rune, lazyQuotes bool, fields int) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = delimiter
	reader.LazyQuotes = lazyQuotes
	reader.FieldsPerRecord = fields
	row, err := reader.Read()
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return nil, perr.Err
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func readHeader(lines *lineReader, delimiter rune) ([]string, error) {
	text, err := lines.next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty stream", ErrHeaderUnreadable)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderUnreadable, err)
	}
	header, err := splitLine(text, delimiter, false, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: line %d: %w", ErrHeaderUnreadable, lines.line, err)
	}

	seen := make(map[string]bool, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, utf8BOM)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrHeaderUnreadable, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrHeaderUnreadable, name)
		}
		seen[name] = true
		header[i] = name
	}
	return header, nil
}
