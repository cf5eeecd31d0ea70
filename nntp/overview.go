package nntp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/nntpprox/logger"
)

// defaultOverviewFormat is the mandatory prefix of every overview format
// (RFC 3977 section 8.4).
var defaultOverviewFormat = []string{"subject", "from", "date", "message-id", "references", ":bytes", ":lines"}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeHeader decodes RFC 2047 encoded-words, returning the raw value when
// it cannot be decoded.
func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func (c *Client) overviewFormat(ctx context.Context) ([]string, error) {
	if c.overviewFmt != nil {
		return c.overviewFmt, nil
	}

	resp, err := c.do(ctx, 215, true, "LIST OVERVIEW.FMT")
	if err != nil {
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			return nil, err
		}
		c.overviewFmt = defaultOverviewFormat
		return c.overviewFmt, nil
	}

	format, err := parseOverviewFormat(resp.lines)
	if err != nil {
		logger.Debug("NNTP: Using default overview format", "error", err)
		format = defaultOverviewFormat
	}
	c.overviewFmt = format
	return format, nil
}

// parseOverviewFormat normalises LIST OVERVIEW.FMT lines to lowercase
// field names, metadata items keeping their leading colon.
func parseOverviewFormat(lines []string) ([]string, error) {
	format := make([]string, 0, len(lines))
	for _, line := range lines {
		var name string
		if strings.HasPrefix(line, ":") {
			name, _, _ = strings.Cut(line[1:], ":")
			name = ":" + name
		} else {
			name, _, _ = strings.Cut(line, ":")
		}
		name = strings.ToLower(name)
		switch name {
		case "bytes":
			name = ":bytes"
		case "lines":
			name = ":lines"
		}
		format = append(format, name)
	}

	if len(format) < len(defaultOverviewFormat) {
		return nil, fmt.Errorf("overview format has %d fields, need at least %d", len(format), len(defaultOverviewFormat))
	}
	for i, want := range defaultOverviewFormat {
		if format[i] != want {
			return nil, fmt.Errorf("overview field %d is %q, expected %q", i, format[i], want)
		}
	}
	return format, nil
}

// parseOverviewLine splits one tab-separated overview line. Extra fields
// past the mandatory ones carry a "Name: " prefix, which is removed.
func parseOverviewLine(line string, format []string) (Overview, error) {
	tokens := strings.Split(line, "\t")
	article, err := strconv.ParseInt(strings.TrimSpace(tokens[0]), 10, 64)
	if err != nil {
		return Overview{}, fmt.Errorf("nntp: malformed overview line %q", line)
	}

	headers := make(map[string]string, len(format))
	for i, token := range tokens[1:] {
		if i >= len(format) {
			break
		}
		name := format[i]
		if i >= len(defaultOverviewFormat) && !strings.HasPrefix(name, ":") {
			prefix := name + ": "
			if len(token) >= len(prefix) && strings.EqualFold(token[:len(prefix)], prefix) {
				token = token[len(prefix):]
			}
		}
		headers[strings.TrimLeft(name, ":")] = decodeHeader(token)
	}
	return Overview{Article: article, Headers: headers}, nil
}

// parseHeader turns the lines of a HEAD response into a map keyed by
// lowercased field name. Folded values are unfolded and decoded; for
// repeated fields the last occurrence wins.
func parseHeader(lines []string) (map[string]string, error) {
	raw := strings.Join(lines, "\r\n") + "\r\n\r\n"
	hdr, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("nntp: malformed article header: %w", err)
	}

	headers := make(map[string]string)
	fields := hdr.Fields()
	for fields.Next() {
		value := strings.NewReplacer("\r\n", "", "\n", "").Replace(fields.Value())
		headers[strings.ToLower(fields.Key())] = strings.TrimSpace(decodeHeader(value))
	}
	return headers, nil
}
