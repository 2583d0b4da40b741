// Package decoder turns images API responses into collector pages and items.
// Decoding is pure: nothing here performs I/O or touches job state.
package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/prompt-collector/internal/collector"
)

// Decoder implements collector.Decoder.
type Decoder struct{}

// New returns a Decoder.
func New() *Decoder {
	return &Decoder{}
}

type envelope struct {
	Items    []json.RawMessage `json:"items"`
	Metadata *struct {
		TotalItems *flexInt        `json:"totalItems"`
		NextPage   flexString      `json:"nextPage"`
		NextCursor json.RawMessage `json:"nextCursor"`
	} `json:"metadata"`
}

// Decode parses a page body. The continuation kind is decided once here:
// an absolute nextPage URL wins, then nextCursor, then a non-URL nextPage
// treated as a cursor, and otherwise structured offset paging.
func (Decoder) Decode(body []byte) (collector.Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return collector.Page{}, fmt.Errorf("%w: body is not a JSON object", collector.ErrMalformedPage)
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return collector.Page{}, fmt.Errorf("%w: %v", collector.ErrMalformedPage, err)
	}

	page := collector.Page{
		Items: env.Items,
		Next:  collector.OffsetContinuation(),
	}
	if page.Items == nil {
		page.Items = []json.RawMessage{}
	}
	if env.Metadata == nil {
		return page, nil
	}
	if env.Metadata.TotalItems != nil {
		total := int(*env.Metadata.TotalItems)
		if total < 0 {
			total = 0
		}
		page.TotalHint = &total
	}

	nextPage := strings.TrimSpace(string(env.Metadata.NextPage))
	cursor := rawScalar(env.Metadata.NextCursor)
	switch {
	case isAbsoluteHTTPURL(nextPage):
		page.Next = collector.FullURLContinuation(nextPage)
	case cursor != "":
		page.Next = collector.CursorContinuation(cursor)
	case nextPage != "":
		page.Next = collector.CursorContinuation(nextPage)
	}
	return page, nil
}

func isAbsoluteHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s flexString
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(string(s))
}

// flexString accepts JSON strings and numbers; other shapes decode as empty.
type flexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexString) UnmarshalJSON(b []byte) error {
	*f = ""
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
	}
	return nil
}

// flexInt accepts JSON numbers and numeric strings; anything else decodes as zero.
type flexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexInt) UnmarshalJSON(b []byte) error {
	*f = 0
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		b = []byte(strings.TrimSpace(s))
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return nil
	}
	if i, err := n.Int64(); err == nil {
		*f = flexInt(i)
		return nil
	}
	if fl, err := n.Float64(); err == nil {
		*f = flexInt(int64(fl))
	}
	return nil
}
