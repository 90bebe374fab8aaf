package protpred

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineSize bounds a single input record. Protein sequences can run to tens
// of thousands of residues, well past bufio's 64KiB default.
const maxLineSize = 16 * 1024 * 1024

// LoadFile reads a tab-separated item file.
func LoadFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	items, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return items, nil
}

// Load parses `<key>\t<value>` lines in order. Fields past the second are
// ignored. Any line without a tab aborts the load.
func Load(r io.Reader) ([]Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var items []Item
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())

		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, &MalformedRecordError{Line: line, Text: text}
		}
		items = append(items, Item{Key: fields[0], Value: fields[1]})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
