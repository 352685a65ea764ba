package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ohler55/ojg/jp"

	"apisync/internal/record"
)

// DecodeDocument decodes all of r. Several concatenated values (JSONL) come
// back as one []any.
func DecodeDocument(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var docs []any
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("json: decode document: %w", err)
		}
		docs = append(docs, v)
	}
	switch len(docs) {
	case 0:
		return nil, nil
	case 1:
		return docs[0], nil
	default:
		return docs, nil
	}
}

// Select evaluates opts.DataPath against doc and turns the matches into
// records. An empty DataPath selects the document itself.
//
// A path ending in a multi-match step (*, [a,b], [0:2], a filter) selects
// records: each object match is emitted unchanged. Any other path selects a
// container, which is unwrapped like a root document.
//
// Example: "$.data.orders.*" on {"data":{"orders":{"9":{...},"12":{...}}}}
// yields the two order objects.
func Select(doc any, opts Options) ([]record.Record, error) {
	if doc == nil {
		return nil, nil
	}
	uo := opts.unwrap()
	if opts.DataPath == "" {
		return record.Unwrap(doc, uo), nil
	}

	x, err := jp.ParseString(opts.DataPath)
	if err != nil {
		return nil, fmt.Errorf("json: data_path %q: %w", opts.DataPath, err)
	}

	elements := selectsElements(x)
	var out []record.Record
	for _, m := range x.Get(doc) {
		if elements {
			if rec, ok := record.AsRecord(m); ok {
				out = append(out, rec)
			}
			continue
		}
		out = append(out, record.Unwrap(m, uo)...)
	}
	return out, nil
}

func selectsElements(x jp.Expr) bool {
	if len(x) == 0 {
		return false
	}
	switch x[len(x)-1].(type) {
	case jp.Wildcard, jp.Union, jp.Slice, *jp.Filter:
		return true
	}
	return false
}
