// Package json reads API payload documents into records.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"apisync/internal/record"
)

// Options controls how records are located in a document.
type Options struct {
	// DataPath is a JSONPath selecting the records. When set, the whole
	// document is decoded before selection.
	DataPath string

	// WrapperKey is the envelope field hiding the payload. Empty means
	// record.DefaultWrapperKey.
	WrapperKey string

	// Keyed unwraps objects whose values are all objects (dicts keyed by id).
	Keyed bool
}

func (o Options) unwrap() record.UnwrapOptions {
	key := o.WrapperKey
	if key == "" {
		key = record.DefaultWrapperKey
	}
	return record.UnwrapOptions{WrapperKey: key, Keyed: o.Keyed}
}

// ReadRecords returns every record in r.
func ReadRecords(ctx context.Context, r io.Reader, opts Options) ([]record.Record, error) {
	if opts.DataPath != "" {
		doc, err := DecodeDocument(r)
		if err != nil {
			return nil, err
		}
		return Select(doc, opts)
	}

	var out []record.Record
	err := StreamRecords(ctx, r, opts, func(rec record.Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// StreamRecords parses JSON from r and calls emit once per record.
//
// Streaming behavior:
//   - If the root is a JSON array, it streams each object element one-by-one.
//   - If the root is a JSON object whose wrapper field holds an array, it
//     streams that array one-by-one and skips the other fields (envelope).
//   - Any other root object is decoded and unwrapped with record.Unwrap.
//   - Streamed elements are emitted unchanged, even when they carry a field
//     named like the wrapper.
//   - JSON values concatenated after the root (JSONL) are handled the same
//     way.
//
// Numbers are decoded as json.Number so their source text survives. Array
// elements that are not objects are skipped.
func StreamRecords(ctx context.Context, r io.Reader, opts Options, emit func(record.Record) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	uo := opts.unwrap()

	// Elements of a root array or envelope are records as they are; only a
	// root object is unwrapped.
	emitElement := func(v any) error {
		if rec, ok := record.AsRecord(v); ok {
			return emit(rec)
		}
		return nil
	}
	emitRoot := func(v any) error {
		for _, rec := range record.Unwrap(v, uo) {
			if err := emit(rec); err != nil {
				return err
			}
		}
		return nil
	}

	for n := 0; ; n++ {
		// Peek the first token so we can stream arrays/envelopes without buffering.
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("json: read value %d: %w", n, err)
		}

		d, ok := tok.(json.Delim)
		if !ok {
			return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
		}
		switch d {
		case '[':
			if err := streamArray(ctx, dec, emitElement); err != nil {
				return err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return err
			}

		case '{':
			streamed, single, err := streamEnvelopeOrSingle(ctx, dec, uo.WrapperKey, emitElement)
			if err != nil {
				return err
			}
			if err := expectDelim(dec, '}'); err != nil {
				return err
			}
			if !streamed {
				if err := emitRoot(single); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("json: unsupported root delimiter %q", d)
		}
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if end != want {
		return fmt.Errorf("json: expected %q, got %v", want, end)
	}
	return nil
}

// streamArray decodes elements of the current array (after '[' has been
// consumed) one at a time.
func streamArray(ctx context.Context, dec *json.Decoder, emit func(any) error) error {
	for i := 0; dec.More(); i++ {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode array element %d: %w", i, err)
		}
		if _, ok := raw.(map[string]any); ok {
			if err := emit(raw); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// streamEnvelopeOrSingle walks a root object (after '{' has been consumed).
//
// When the wrapper field holds an array it streams that array and skips the
// rest of the object. Otherwise it materializes the object and returns it.
func streamEnvelopeOrSingle(ctx context.Context, dec *json.Decoder, wrapperKey string, emit func(any) error) (streamed bool, single map[string]any, _ error) {
	single = make(map[string]any)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return false, nil, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read value of %q: %w", key, err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' && key == wrapperKey {
			if err := streamArray(ctx, dec, emit); err != nil {
				return false, nil, err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return false, nil, err
			}
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return true, nil, fmt.Errorf("json: skip envelope key: %w", err)
				}
				if err := skipNextValue(dec); err != nil {
					return true, nil, err
				}
			}
			return true, nil, nil
		}

		val, err := materializeValueFromFirstToken(dec, valTok)
		if err != nil {
			return false, nil, err
		}
		single[key] = val
	}

	return false, single, nil
}

// skipNextValue skips the next JSON value from the decoder, without materializing it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value token: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("json: skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, '}')

	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		return expectDelim(dec, ']')

	default:
		return fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

// materializeValueFromFirstToken builds a Go value for the current JSON value,
// given the first token has already been read.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: nested object key not string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value of %q: %w", k, err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		return m, nil

	case '[':
		arr := []any{}
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array value: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if err := expectDelim(dec, ']'); err != nil {
			return nil, err
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}
