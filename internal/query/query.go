// ABOUTME: Read-only query interface over the harvested messages
// ABOUTME: Search with stopword-filtered AND terms, recent activity, and store statistics

package query

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/orsinium-labs/stopwords"

	"github.com/2389/thoth/internal/store"
)

// DefaultLimit applies when a caller passes no limit.
const DefaultLimit = 10

// Service answers queries. It never writes.
type Service struct {
	reader    store.Reader
	stopwords *stopwords.Stopwords
}

func New(reader store.Reader) *Service {
	return &Service{
		reader:    reader,
		stopwords: stopwords.MustGet("en"),
	}
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Channel string // channel name or external id
	Author  string // handle or display name
	Limit   int
}

// Terms splits q into lowercase search terms and drops English stopwords.
// A query made only of stopwords keeps all of its words.
func (s *Service) Terms(q string) []string {
	words := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})

	var all, kept []string
	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) && r != '_' && r != '#' && r != '@'
		})
		if w == "" {
			continue
		}
		all = append(all, w)
		if !s.stopwords.Contains(w) {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return all
	}
	return kept
}

// Search returns messages containing every term of q, newest first.
func (s *Service) Search(ctx context.Context, q string, opts SearchOptions) ([]store.MessageView, error) {
	terms := s.Terms(q)
	if len(terms) == 0 {
		return nil, fmt.Errorf("search query is empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	views, err := s.reader.SearchMessages(ctx, store.SearchParams{
		Terms:   terms,
		Channel: opts.Channel,
		Author:  opts.Author,
		Limit:   opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return views, nil
}

// Recent returns the newest messages, optionally limited to one channel.
func (s *Service) Recent(ctx context.Context, channel string, limit int) ([]store.MessageView, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	views, err := s.reader.RecentMessages(ctx, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	return views, nil
}

// Stats returns row counts and per-channel message counts.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	st, err := s.reader.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading stats: %w", err)
	}
	return st, nil
}

// WriteMessages prints one line per message.
func WriteMessages(w io.Writer, views []store.MessageView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "(no results)")
		return err
	}
	for _, v := range views {
		ts := "unknown time"
		if v.CreatedAt != nil {
			ts = v.CreatedAt.UTC().Format(time.RFC3339)
		}
		author := v.Author
		if author == "" {
			author = "?"
		}
		content := strings.Join(strings.Fields(v.Content), " ")
		if _, err := fmt.Fprintf(w, "[%s#%s] %s %s: %s\n", v.Source, v.Channel, ts, author, content); err != nil {
			return err
		}
	}
	return nil
}

// WriteStats prints totals followed by per-channel counts.
func WriteStats(w io.Writer, st *store.Stats) error {
	last := "never"
	if st.LastMessageAt != nil {
		last = st.LastMessageAt.UTC().Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w,
		"sources=%d channels=%d users=%d messages=%d versions=%d reactions=%d events=%d last_message=%s\n",
		st.Sources, st.Channels, st.Users, st.Messages, st.Versions, st.Reactions, st.Events, last)
	if err != nil {
		return err
	}
	for _, c := range st.PerChannel {
		if _, err := fmt.Fprintf(w, "%s#%s: %d\n", c.Source, c.Channel, c.Messages); err != nil {
			return err
		}
	}
	return nil
}
