package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LoadFixture reads a JSON object mapping item ids to scores, e.g.
// {"m1": 25, "m2": 67}. Items keep the order of the file. Scores are not
// range checked here: an out-of-range score yields a failed outcome like any
// other invalid score.
func LoadFixture(path string) ([]ScoredItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	items, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("invalid fixture %s: %w", path, err)
	}
	return items, nil
}

// ParseFixture decodes fixture content.
func ParseFixture(data []byte) ([]ScoredItem, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object of item scores")
	}

	var items []ScoredItem
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id := tok.(string)

		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		num, ok := tok.(json.Number)
		if !ok {
			return nil, fmt.Errorf("score of %q is not a number", id)
		}
		score, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("score of %q is not an integer", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate item %q", id)
		}
		seen[id] = true
		items = append(items, ScoredItem{ItemID: id, Score: int(score)})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after fixture object")
	}
	return items, nil
}
