package nntp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// GroupEntry is one line of a LIST ACTIVE response.
type GroupEntry struct {
	Group string `json:"group"`
	First int64  `json:"first"`
	Last  int64  `json:"last"`
	Flag  string `json:"flag"`
}

// GroupInfo is the result of selecting a newsgroup with GROUP.
type GroupInfo struct {
	Count int64  `json:"count"`
	First int64  `json:"first"`
	Last  int64  `json:"last"`
	Group string `json:"group"`
}

// Overview is one article of an OVER response: its number and its
// overview fields keyed by lowercased header name.
type Overview struct {
	Article int64
	Headers map[string]string
}

// MarshalJSON encodes the overview as an [article, headers] pair.
func (o Overview) MarshalJSON() ([]byte, error) {
	headers := o.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{o.Article, headers}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes an [article, headers] pair.
func (o *Overview) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("overview must be an [article, headers] pair")
	}
	var ov Overview
	if err := json.Unmarshal(pair[0], &ov.Article); err != nil {
		return fmt.Errorf("overview article: %w", err)
	}
	if err := json.Unmarshal(pair[1], &ov.Headers); err != nil {
		return fmt.Errorf("overview headers: %w", err)
	}
	*o = ov
	return nil
}

// MessageSpec selects articles: a message-id, a single article number or
// an article range. A range with Last == 0 is open ended ("first-").
type MessageSpec struct {
	MessageID string
	First     int64
	Last      int64
	isRange   bool
}

// ByMessageID selects one article by its <message-id>.
func ByMessageID(id string) MessageSpec {
	return MessageSpec{MessageID: id}
}

// ByNumber selects one article of the current group by number.
func ByNumber(n int64) MessageSpec {
	return MessageSpec{First: n, Last: n}
}

// ByRange selects first..last of the current group; last == 0 means no upper bound.
func ByRange(first, last int64) MessageSpec {
	return MessageSpec{First: first, Last: last, isRange: true}
}

// IsMessageID reports whether m names an article by message-id.
func (m MessageSpec) IsMessageID() bool {
	return m.MessageID != ""
}

// IsRange reports whether m covers an article range.
func (m MessageSpec) IsRange() bool {
	return m.isRange
}

// String renders m as an NNTP command argument.
func (m MessageSpec) String() string {
	switch {
	case m.IsMessageID():
		return m.MessageID
	case !m.isRange:
		return strconv.FormatInt(m.First, 10)
	case m.Last == 0:
		return strconv.FormatInt(m.First, 10) + "-"
	default:
		return strconv.FormatInt(m.First, 10) + "-" + strconv.FormatInt(m.Last, 10)
	}
}

// MarshalJSON encodes m in its textual form.
func (m MessageSpec) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m.String()); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (m MessageSpec) validate() error {
	if m.IsMessageID() {
		if !strings.HasPrefix(m.MessageID, "<") || !strings.HasSuffix(m.MessageID, ">") {
			return fmt.Errorf("message-id must be enclosed in angle brackets: %q", m.MessageID)
		}
		return validArgument(m.MessageID)
	}
	if m.First < 0 || m.Last < 0 {
		return fmt.Errorf("article numbers cannot be negative")
	}
	if m.isRange && m.Last != 0 && m.Last < m.First {
		return fmt.Errorf("article range %d-%d is reversed", m.First, m.Last)
	}
	return nil
}

// UnmarshalJSON accepts a message-id string ("<id@host>"), a numeric
// string ("42", "100-200", "100-"), a number (42) or a [first, last]
// array whose last element may be null.
func (m *MessageSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty message spec")
	}

	var spec MessageSpec
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseMessageSpec(s)
		if err != nil {
			return err
		}
		spec = parsed
	case '[':
		var bounds []*int64
		if err := json.Unmarshal(data, &bounds); err != nil {
			return fmt.Errorf("article range must be [first, last]: %w", err)
		}
		if len(bounds) == 0 || len(bounds) > 2 || bounds[0] == nil {
			return fmt.Errorf("article range must be [first, last]")
		}
		var last int64
		if len(bounds) == 2 && bounds[1] != nil {
			last = *bounds[1]
		}
		spec = ByRange(*bounds[0], last)
	default:
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("message spec must be a message-id, an article number or a range")
		}
		spec = ByNumber(n)
	}

	if err := spec.validate(); err != nil {
		return err
	}
	*m = spec
	return nil
}

// ParseMessageSpec parses the textual forms "<id>", "N", "N-" and "N-M".
func ParseMessageSpec(s string) (MessageSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MessageSpec{}, fmt.Errorf("empty message spec")
	}
	if strings.HasPrefix(s, "<") {
		spec := ByMessageID(s)
		return spec, spec.validate()
	}

	first, rest, isRange := strings.Cut(s, "-")
	lo, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return MessageSpec{}, fmt.Errorf("invalid article number %q", first)
	}
	if !isRange {
		spec := ByNumber(lo)
		return spec, spec.validate()
	}

	var hi int64
	if rest != "" {
		hi, err = strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return MessageSpec{}, fmt.Errorf("invalid article number %q", rest)
		}
	}
	spec := ByRange(lo, hi)
	return spec, spec.validate()
}
