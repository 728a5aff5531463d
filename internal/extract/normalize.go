// ABOUTME: Normalizes raw DOM records into store-ready records
// ABOUTME: Timestamp parsing, formatted content derivation, and fallback identities

package extract

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/yuin/goldmark"
	"golang.org/x/crypto/blake2b"
)

// FallbackPrefix marks external ids derived from message content.
const FallbackPrefix = "fallback:"

// ErrUnparsedTimestamp is returned for timestamp text no parser understands.
var ErrUnparsedTimestamp = errors.New("unrecognized timestamp")

// Record is a normalized message observation.
type Record struct {
	ExternalID   string
	Fallback     bool
	AuthorKey    string // stable author identity within the source, empty if unknown
	AuthorHandle string
	AuthorName   string
	Content      string
	ContentRaw   string
	CreatedAt    time.Time // zero when the timestamp was missing or unparsable
	EditedAt     *time.Time
	ReplyTo      string
	ThreadRoot   string
	Reactions    []RawReaction
	Metadata     map[string]any
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 3:04 PM",
	"1/2/2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	"Monday, January 2, 2006 3:04 PM",
	"Monday, January 2, 2006 at 3:04 PM",
	"02.01.2006 15:04:05",
}

// Normalizer converts raw records. It is not safe for concurrent use.
type Normalizer struct {
	now    func() time.Time
	loc    *time.Location
	parser *when.Parser
	md     goldmark.Markdown
}

// NewNormalizer creates a Normalizer that interprets zone-less and relative
// timestamps in loc (time.Local when nil).
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	return &Normalizer{
		now:    time.Now,
		loc:    loc,
		parser: w,
		md:     goldmark.New(),
	}
}

// ParseTimestamp accepts epoch seconds or milliseconds, ISO-8601 and a few
// display layouts, and relative text such as "Today at 3:42 PM". The result
// is in UTC. Empty input returns the zero time and no error.
func (n *Normalizer) ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}

	if t, ok := parseEpoch(s); ok {
		return t, nil
	}

	if strings.HasSuffix(s, "Z") || strings.Contains(s, "T") {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t.UTC(), nil
		}
	}

	base := n.now().In(n.loc)
	r, err := n.parser.Parse(normalizeRelative(s), base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", s, ErrUnparsedTimestamp)
	}
	return r.Time.UTC().Truncate(time.Second), nil
}

// parseEpoch handles "1700000000", "1700000000.123456" (Slack ts), and
// millisecond epochs. Fractions are parsed as digits to avoid float rounding.
func parseEpoch(s string) (time.Time, bool) {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if len(whole) >= 13 && frac == "" {
		return time.UnixMilli(sec).UTC(), true
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	var nsec int64
	if frac != "" {
		nsec, _ = strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	}
	return time.Unix(sec, nsec).UTC(), true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// normalizeRelative rewrites chat-style prefixes into forms the rule set knows.
func normalizeRelative(s string) string {
	lower := strings.ToLower(s)
	lower = strings.ReplaceAll(lower, " at ", " ")
	return strings.TrimSpace(lower)
}

// RenderContent derives formatted content from message text.
func (n *Normalizer) RenderContent(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := n.md.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// FallbackID derives a deterministic identity from timestamp, author, and
// content. ordinal > 0 distinguishes repeated identical records in a batch.
func FallbackID(timestamp, author, content string, ordinal int) string {
	h := blake2b.Sum256([]byte(timestamp + "|" + author + "|" + content))
	id := FallbackPrefix + hex.EncodeToString(h[:])
	if ordinal > 0 {
		id += "#" + strconv.Itoa(ordinal)
	}
	return id
}

// Batch normalizes the records of one extraction pass. Identical records in
// the same batch get distinct fallback identities by occurrence order.
type Batch struct {
	n    *Normalizer
	seen map[string]int
}

// NewBatch starts a new extraction batch.
func (n *Normalizer) NewBatch() *Batch {
	return &Batch{n: n, seen: make(map[string]int)}
}

// Normalize converts one raw record. A non-nil error reports an unparsable
// timestamp; the returned record is still usable with a zero CreatedAt.
func (b *Batch) Normalize(raw RawRecord) (Record, error) {
	rec := Record{
		ExternalID:   strings.TrimSpace(raw.ExternalID),
		AuthorHandle: strings.TrimSpace(raw.AuthorHandle),
		AuthorName:   strings.TrimSpace(raw.AuthorName),
		Content:      strings.TrimSpace(raw.Content),
		ContentRaw:   raw.ContentRaw,
		ReplyTo:      strings.TrimSpace(raw.ReplyTo),
		ThreadRoot:   strings.TrimSpace(raw.ThreadRoot),
	}

	rec.AuthorKey = firstNonEmpty(strings.TrimSpace(raw.AuthorID), rec.AuthorHandle, rec.AuthorName)
	if rec.AuthorName == "" {
		rec.AuthorName = rec.AuthorHandle
	}

	var tsErr error
	rec.CreatedAt, tsErr = b.n.ParseTimestamp(raw.Timestamp)

	if raw.Edited {
		if edited, err := b.n.ParseTimestamp(raw.EditedTimestamp); err == nil && !edited.IsZero() {
			rec.EditedAt = &edited
		}
	}

	if rec.ContentRaw == "" {
		rec.ContentRaw = b.n.RenderContent(rec.Content)
	}

	for _, r := range raw.Reactions {
		emoji := strings.TrimSpace(r.Emoji)
		if emoji == "" {
			continue
		}
		count := r.Count
		if count < 1 {
			count = 1
		}
		rec.Reactions = append(rec.Reactions, RawReaction{Emoji: emoji, Count: count})
	}

	if rec.ExternalID == "" {
		ts := strings.TrimSpace(raw.Timestamp)
		if !rec.CreatedAt.IsZero() {
			ts = rec.CreatedAt.Format(time.RFC3339Nano)
		}
		key := ts + "|" + rec.AuthorKey + "|" + rec.Content
		ordinal := b.seen[key]
		b.seen[key] = ordinal + 1
		rec.ExternalID = FallbackID(ts, rec.AuthorKey, rec.Content, ordinal)
		rec.Fallback = true
	}

	rec.Metadata = recordMetadata(raw, rec.Fallback)
	return rec, tsErr
}

// recordMetadata keeps what the page showed alongside the normalized fields.
func recordMetadata(raw RawRecord, fallback bool) map[string]any {
	meta := make(map[string]any, len(raw.Metadata)+3)
	for k, v := range raw.Metadata {
		meta[k] = v
	}
	if ts := strings.TrimSpace(raw.Timestamp); ts != "" {
		meta["raw_timestamp"] = ts
	}
	if raw.Edited && raw.EditedTimestamp != "" {
		meta["raw_edited_timestamp"] = strings.TrimSpace(raw.EditedTimestamp)
	}
	if fallback {
		meta["fallback_id"] = true
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
