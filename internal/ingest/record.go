package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Record is one extraction result from the input collection.
type Record struct {
	ID   string
	root Node
}

// Sections holds the unwrapped logical groups of a record's llmData.
type Sections struct {
	Invoice   Node
	Vendor    Node
	Customer  Node
	Payment   Node
	Summary   Node
	LineItems []Node
}

// LoadFile reads a JSON array of records from path.
func LoadFile(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open input: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes the top-level JSON array but leaves every element raw so a
// malformed element fails only its own item.
func Load(r io.Reader) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("ingest: decode input: %w", err)
	}
	return records, nil
}

// ParseRecord decodes a single raw element.
func ParseRecord(raw json.RawMessage) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Record{}, fmt.Errorf("ingest: decode record: %w", err)
	}
	root := NewNode(v)
	id := root.Get("_id").String()
	if id == "" {
		// Mongo exports wrap ids as {"$oid": "..."}.
		id = root.Get("_id").Get("$oid").String()
	}
	return Record{ID: id, root: root}, nil
}

// LLMData returns the extractedData.llmData object.
func (r Record) LLMData() Node {
	return r.root.Get("extractedData").Get("llmData")
}

// Sections unwraps every logical group. Missing groups come back empty.
func (r Record) Sections() Sections {
	llm := r.LLMData()
	lineItems := llm.Field("lineItems")
	items := lineItems.Field("items").List()
	if len(items) == 0 {
		items = lineItems.List()
	}
	return Sections{
		Invoice:   llm.Field("invoice"),
		Vendor:    llm.Field("vendor"),
		Customer:  llm.Field("customer"),
		Payment:   llm.Field("payment"),
		Summary:   llm.Field("summary"),
		LineItems: items,
	}
}

// Metadata returns the record-level metadata object.
func (r Record) Metadata() Node {
	return r.root.Get("metadata")
}

// FilePath returns the stored source path, if any.
func (r Record) FilePath() Node {
	return r.root.Get("filePath")
}

// Name returns the record's display name.
func (r Record) Name() Node {
	return r.root.Get("name")
}

// LogID identifies the record in log lines.
func (r Record) LogID() string {
	if r.ID == "" {
		return "unknown"
	}
	return r.ID
}
