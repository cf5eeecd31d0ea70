package nntp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/nntpprox/logger"
)

const dateLayout = "20060102150405"

// validArgument rejects values that would split or extend the command line.
func validArgument(s string) error {
	if s == "" {
		return errors.New("empty argument")
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("argument %q contains whitespace or control characters", s)
		}
	}
	return nil
}

// GetGroups lists active newsgroups, optionally filtered by a wildmat
// pattern such as "comp.lang.*".
func (c *Client) GetGroups(ctx context.Context, pattern string) ([]GroupEntry, error) {
	cmd := "LIST ACTIVE"
	if pattern != "" {
		if err := validArgument(pattern); err != nil {
			return nil, err
		}
		cmd += " " + pattern
	}

	resp, err := c.do(ctx, 215, true, "%s", cmd)
	if err != nil {
		return nil, err
	}

	groups := make([]GroupEntry, 0, len(resp.lines))
	for _, line := range resp.lines {
		entry, err := parseActiveLine(line)
		if err != nil {
			logger.Debug("NNTP: Skipping malformed LIST ACTIVE line", "line", line, "error", err)
			continue
		}
		groups = append(groups, entry)
	}
	return groups, nil
}

// parseActiveLine parses "name high low status".
func parseActiveLine(line string) (GroupEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return GroupEntry{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	high, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return GroupEntry{}, fmt.Errorf("high water mark: %w", err)
	}
	low, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return GroupEntry{}, fmt.Errorf("low water mark: %w", err)
	}
	return GroupEntry{Group: fields[0], First: low, Last: high, Flag: fields[3]}, nil
}

// Group selects a newsgroup and makes it current for the session.
func (c *Client) Group(ctx context.Context, name string) (GroupInfo, error) {
	if err := validArgument(name); err != nil {
		return GroupInfo{}, err
	}
	resp, err := c.do(ctx, 211, false, "GROUP %s", name)
	if err != nil {
		return GroupInfo{}, err
	}

	info, err := parseGroupResponse(resp.msg)
	if err != nil {
		return GroupInfo{}, err
	}
	c.group = &info
	return info, nil
}

// parseGroupResponse parses the "count first last name" of a 211 reply.
func parseGroupResponse(msg string) (GroupInfo, error) {
	fields := strings.Fields(msg)
	if len(fields) < 4 {
		return GroupInfo{}, fmt.Errorf("nntp: malformed GROUP response %q", msg)
	}
	var nums [3]int64
	for i := range nums {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return GroupInfo{}, fmt.Errorf("nntp: malformed GROUP response %q", msg)
		}
		nums[i] = n
	}
	return GroupInfo{Count: nums[0], First: nums[1], Last: nums[2], Group: fields[3]}, nil
}

// SelectedGroup returns the group chosen by the last successful Group call.
func (c *Client) SelectedGroup() (GroupInfo, bool) {
	if c.group == nil {
		return GroupInfo{}, false
	}
	return *c.group, true
}

func (c *Client) selectFor(ctx context.Context, spec MessageSpec, groupName string) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if groupName != "" {
		if _, err := c.Group(ctx, groupName); err != nil {
			return err
		}
	}
	if !spec.IsMessageID() && c.group == nil {
		return ErrNoGroupSelected
	}
	return nil
}

// GetGroup fetches overview data for the articles matched by spec. When
// groupName is set the group is selected first; article numbers and ranges
// otherwise need a previously selected group.
func (c *Client) GetGroup(ctx context.Context, spec MessageSpec, groupName string) ([]Overview, error) {
	if err := c.selectFor(ctx, spec, groupName); err != nil {
		return nil, err
	}

	format, err := c.overviewFormat(ctx)
	if err != nil {
		return nil, err
	}

	verb := "XOVER"
	if c.hasCap("OVER") {
		verb = "OVER"
	}
	resp, err := c.do(ctx, 224, true, "%s %s", verb, spec)
	if err != nil {
		return nil, err
	}

	overviews := make([]Overview, 0, len(resp.lines))
	for _, line := range resp.lines {
		ov, err := parseOverviewLine(line, format)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, ov)
	}
	return overviews, nil
}

// GetHeader fetches the headers of a single article. Ranges are rejected.
func (c *Client) GetHeader(ctx context.Context, spec MessageSpec, groupName string) (map[string]string, error) {
	if spec.IsRange() {
		return nil, fmt.Errorf("HEAD takes a single article, not the range %s", spec)
	}
	if err := c.selectFor(ctx, spec, groupName); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, 221, true, "HEAD %s", spec)
	if err != nil {
		return nil, err
	}
	return parseHeader(resp.lines)
}

// Date returns the upstream server's clock in UTC. The difference to the
// local clock is kept and reported by Skew.
func (c *Client) Date(ctx context.Context) (time.Time, error) {
	resp, err := c.do(ctx, 111, false, "DATE")
	if err != nil {
		return time.Time{}, err
	}
	fields := strings.Fields(resp.msg)
	if len(fields) == 0 {
		return time.Time{}, fmt.Errorf("nntp: malformed DATE response %q", resp.msg)
	}
	ts, err := time.ParseInLocation(dateLayout, fields[0], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("nntp: malformed DATE response %q: %w", resp.msg, err)
	}
	c.skew = time.Until(ts)
	return ts, nil
}

// Skew is the server clock offset measured by the last Date call.
func (c *Client) Skew() time.Duration {
	return c.skew
}
