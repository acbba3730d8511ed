// Package queries reads the list of search queries to run.
package queries

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Load returns the queries in the file at path, one per line. Blank lines
// and lines starting with # are skipped and repeated queries are collapsed,
// keeping first-seen order. Files that are not valid UTF-8 are decoded as
// GBK, which is how query lists saved by Chinese Windows editors arrive.
// An empty file yields an empty list and no error.
func Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading query file %s: %w", path, err)
	}
	text, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding query file %s: %w", path, err)
	}
	return Parse(text), nil
}

// Parse splits raw text into queries with the same rules as Load.
func Parse(raw string) []string {
	lines := strings.Split(raw, "\n")
	seen := make(map[string]struct{}, len(lines))
	var result []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; !ok {
			seen[line] = struct{}{}
			result = append(result, line)
		}
	}
	return result
}

// Merge appends extra queries to base, skipping ones already present.
func Merge(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, q := range list {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			if _, ok := seen[q]; !ok {
				seen[q] = struct{}{}
				out = append(out, q)
			}
		}
	}
	return out
}

func decode(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	r := transform.NewReader(bytes.NewReader(data), simplifiedchinese.GBK.NewDecoder())
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
