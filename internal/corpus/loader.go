// Package corpus loads document records and builds the vector index the
// answer pipeline searches.
package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"unicode"

	"askdoc/internal/rag"
)

// maxRecordSize bounds one corpus record (1 MiB); records are
// prompt-sized, not book-sized.
const maxRecordSize = 1 << 20

// Load reads a corpus file: JSONL with one record per line, or a single
// JSON array of records.
func Load(path string) ([]rag.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes corpus records. Any malformed record fails the whole
// parse with its position; partial corpora are never returned.
func Parse(data []byte) ([]rag.Document, error) {
	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return parseArray(trimmed)
	}
	return parseLines(data)
}

func parseArray(data []byte) ([]rag.Document, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrMalformedDocument, err)
	}
	docs := make([]rag.Document, 0, len(raws))
	for i, raw := range raws {
		d, err := rag.ParseDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func parseLines(data []byte) ([]rag.Document, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	var docs []rag.Document
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		d, err := rag.ParseDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
