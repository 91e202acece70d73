package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"
)

// maxLineSize bounds a single audit line when reading files back.
const maxLineSize = 4 << 20

// Violation is a line that failed verification. Line 0 refers to the file
// as a whole.
type Violation struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// VerifyResult summarizes a verification pass.
type VerifyResult struct {
	Files      int         `json:"files"`
	Entries    int         `json:"entries"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether every entry verified.
func (r *VerifyResult) OK() bool { return len(r.Violations) == 0 }

func (r *VerifyResult) merge(o *VerifyResult) {
	r.Files += o.Files
	r.Entries += o.Entries
	r.Violations = append(r.Violations, o.Violations...)
}

// chainCheck walks a file's entries in order. prev is the stored checksum
// of the previous entry; known is false at the start of the file and after
// a malformed line.
type chainCheck struct {
	prev  string
	known bool
}

func (c *chainCheck) next(raw []byte) string {
	var entry Entry
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		c.known = false
		return "malformed entry"
	}

	var reason string
	switch want, err := entry.ComputeChecksum(); {
	case err != nil:
		reason = "unencodable entry"
	case want != entry.Checksum:
		reason = "checksum mismatch"
	case c.known && entry.Prev != c.prev:
		reason = "chain broken"
	}
	c.prev, c.known = entry.Checksum, true
	return reason
}

// VerifyFile re-hashes every entry in one file, checks that each entry
// links to the one before it and, for sealed files, compares the .sha256.
func VerifyFile(path string) (*VerifyResult, error) {
	result := &VerifyResult{Files: 1}
	chain := chainCheck{known: true}
	err := scanFile(path, func(line int, raw []byte) bool {
		result.Entries++
		if reason := chain.next(raw); reason != "" {
			result.Violations = append(result.Violations, Violation{File: path, Line: line, Reason: reason})
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	want, err := os.ReadFile(path + ".sha256")
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	got, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}
	if string(bytes.TrimSpace(want)) != got {
		result.Violations = append(result.Violations, Violation{File: path, Reason: "file checksum mismatch"})
	}
	return result, nil
}

// VerifyDir runs VerifyFile over every audit file in dir, oldest first. It
// returns ErrChecksumMismatch when anything fails.
func VerifyDir(ctx context.Context, dir string) (*VerifyResult, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	total := &VerifyResult{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		r, err := VerifyFile(file)
		if err != nil {
			return total, fmt.Errorf("failed to read %s: %w", file, err)
		}
		total.merge(r)
	}
	if !total.OK() {
		return total, fmt.Errorf("%w: %d entries", ErrChecksumMismatch, len(total.Violations))
	}
	return total, nil
}

// Verify syncs the current segment and verifies the logger's directory.
func (al *Logger) Verify(ctx context.Context) (*VerifyResult, error) {
	if err := al.Flush(); err != nil {
		return nil, err
	}
	result, err := VerifyDir(ctx, al.cfg.Dir)
	if errors.Is(err, ErrChecksumMismatch) {
		al.logger.Error("audit log verification failed", "violations", len(result.Violations))
	}
	return result, err
}

// scanFile calls fn for each non-blank line with its 1-based number until
// fn returns false.
func scanFile(path string, fn func(line int, raw []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		if !fn(line, raw) {
			break
		}
	}
	return sc.Err()
}

// lastEntry decodes the final entry of a file.
func lastEntry(path string) (*Entry, error) {
	var last []byte
	err := scanFile(path, func(_ int, raw []byte) bool {
		last = append(last[:0], raw...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, errors.New("empty audit file")
	}
	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// QueryOptions filters Query. Zero fields match everything.
type QueryOptions struct {
	Since   time.Time
	Until   time.Time
	Levels  []Level
	Message string
	Limit   int
}

func (o *QueryOptions) matches(e *Entry) bool {
	switch {
	case !o.Since.IsZero() && e.Timestamp.Before(o.Since):
		return false
	case !o.Until.IsZero() && e.Timestamp.After(o.Until):
		return false
	case o.Message != "" && e.Message != o.Message:
		return false
	case len(o.Levels) > 0 && !slices.Contains(o.Levels, e.Level):
		return false
	}
	return true
}

func (o *QueryOptions) full(n int) bool { return o.Limit > 0 && n >= o.Limit }

// Query returns entries matching opts, oldest first. Malformed lines are
// skipped.
func (al *Logger) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	if err := al.Flush(); err != nil {
		return nil, err
	}
	files, err := listFiles(al.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, file := range files {
		if opts.full(len(out)) {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := scanFile(file, func(_ int, raw []byte) bool {
			var e Entry
			if json.Unmarshal(raw, &e) == nil && opts.matches(&e) {
				out = append(out, &e)
			}
			return !opts.full(len(out))
		})
		if err != nil {
			return out, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
	return out, nil
}
