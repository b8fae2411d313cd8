package etl

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/segmentio/parquet-go"
)

const maxJSONLineSize = 4 << 20

// RecordReader yields dataset records until io.EOF. A *RecordError marks a
// malformed row that can be skipped; any other error ends the read.
type RecordReader interface {
	Read() (*DataRecord, error)
	Close() error
}

// RecordError describes a row that could not be decoded.
type RecordError struct {
	Row int64
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// OpenFile opens path with the reader matching its extension.
func OpenFile(path string) (RecordReader, FileFormat, error) {
	format := DetectFileFormat(path)
	file, err := os.Open(path)
	if err != nil {
		return nil, format, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var reader RecordReader
	switch format {
	case FormatParquet:
		reader, err = newParquetReader(file)
	case FormatJSONL:
		reader = NewJSONLReader(file)
	default:
		reader, err = NewCSVReader(file)
	}
	if err != nil {
		file.Close()
		return nil, format, err
	}
	return reader, format, nil
}

type csvReader struct {
	reader  *csv.Reader
	closer  io.Closer
	idCol   int
	textCol int
	row     int64
}

// NewCSVReader reads a CSV stream whose header names a "text" column and,
// optionally, an "id" column.
func NewCSVReader(r io.Reader) (RecordReader, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	c := &csvReader{reader: reader, idCol: -1, textCol: -1}
	if closer, ok := r.(io.Closer); ok {
		c.closer = closer
	}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "id":
			c.idCol = i
		case "text":
			c.textCol = i
		}
	}
	if c.textCol < 0 {
		return nil, fmt.Errorf("CSV header %v has no text column", header)
	}
	return c, nil
}

func (c *csvReader) Read() (*DataRecord, error) {
	record, err := c.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	c.row++
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return nil, &RecordError{Row: c.row, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV record: %w", err)
	}

	rec := &DataRecord{Text: record[c.textCol]}
	if c.idCol >= 0 {
		rec.ID = strings.TrimSpace(record[c.idCol])
	}
	return rec, nil
}

func (c *csvReader) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

type jsonlReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	row     int64
}

// NewJSONLReader reads one JSON object per line with "text" and optional
// "id" fields. Blank lines are skipped.
func NewJSONLReader(r io.Reader) RecordReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLineSize)
	j := &jsonlReader{scanner: scanner}
	if closer, ok := r.(io.Closer); ok {
		j.closer = closer
	}
	return j
}

func (j *jsonlReader) Read() (*DataRecord, error) {
	for j.scanner.Scan() {
		line := bytes.TrimSpace(j.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		j.row++

		var raw struct {
			ID   any     `json:"id"`
			Text *string `json:"text"`
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, &RecordError{Row: j.row, Err: err}
		}
		if raw.Text == nil {
			return nil, &RecordError{Row: j.row, Err: errors.New("missing text field")}
		}

		rec := &DataRecord{Text: *raw.Text}
		if raw.ID != nil {
			rec.ID = fmt.Sprint(raw.ID)
		}
		return rec, nil
	}
	if err := j.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return nil, io.EOF
}

func (j *jsonlReader) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

type parquetReader struct {
	reader *parquet.Reader
	file   *os.File
}

func newParquetReader(file *os.File) (_ RecordReader, err error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	// OpenFile validates the footer and reports errors NewReader would panic on.
	if _, err := parquet.OpenFile(file, info.Size()); err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to open Parquet file: %v", r)
		}
	}()
	return &parquetReader{reader: parquet.NewReader(file), file: file}, nil
}

func (p *parquetReader) Read() (*DataRecord, error) {
	var rec DataRecord
	if err := p.reader.Read(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read Parquet record: %w", err)
	}
	return &rec, nil
}

func (p *parquetReader) Close() error {
	err := p.reader.Close()
	if closeErr := p.file.Close(); err == nil {
		err = closeErr
	}
	return err
}
