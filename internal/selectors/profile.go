// ABOUTME: Versioned CSS selector profiles describing how to read a platform's DOM
// ABOUTME: Built-in defaults for discord, slack, and telegram plus key-based overrides

package selectors

import (
	"fmt"
	"sort"
	"strings"
)

// Profile is the selector set handed to the extraction layer for one platform.
// Keys in yaml tags are the names accepted in per-source override maps.
type Profile struct {
	Platform string `yaml:"platform" json:"platform"`
	Version  int    `yaml:"version" json:"version"`

	MessageItem     string `yaml:"message_item" json:"message_item"`
	MessageIDAttr   string `yaml:"message_id_attr" json:"message_id_attr,omitempty"`
	Author          string `yaml:"author" json:"author,omitempty"`
	AuthorIDAttr    string `yaml:"author_id_attr" json:"author_id_attr,omitempty"`
	Content         string `yaml:"content" json:"content"`
	Timestamp       string `yaml:"timestamp" json:"timestamp,omitempty"`
	TimestampAttr   string `yaml:"timestamp_attr" json:"timestamp_attr,omitempty"`
	Edited          string `yaml:"edited" json:"edited,omitempty"`
	ReplyContext    string `yaml:"reply_context" json:"reply_context,omitempty"`
	ReactionItem    string `yaml:"reaction_item" json:"reaction_item,omitempty"`
	ReactionEmoji   string `yaml:"reaction_emoji" json:"reaction_emoji,omitempty"`
	ReactionCount   string `yaml:"reaction_count" json:"reaction_count,omitempty"`
	ScrollContainer string `yaml:"scroll_container" json:"scroll_container"`
	LoginProbe      string `yaml:"login_probe" json:"login_probe,omitempty"`
	UnreadBadge     string `yaml:"unread_badge" json:"unread_badge,omitempty"`
	ChannelLink     string `yaml:"channel_link" json:"channel_link,omitempty"`
}

func (p *Profile) fields() map[string]*string {
	return map[string]*string{
		"message_item":     &p.MessageItem,
		"message_id_attr":  &p.MessageIDAttr,
		"author":           &p.Author,
		"author_id_attr":   &p.AuthorIDAttr,
		"content":          &p.Content,
		"timestamp":        &p.Timestamp,
		"timestamp_attr":   &p.TimestampAttr,
		"edited":           &p.Edited,
		"reply_context":    &p.ReplyContext,
		"reaction_item":    &p.ReactionItem,
		"reaction_emoji":   &p.ReactionEmoji,
		"reaction_count":   &p.ReactionCount,
		"scroll_container": &p.ScrollContainer,
		"login_probe":      &p.LoginProbe,
		"unread_badge":     &p.UnreadBadge,
		"channel_link":     &p.ChannelLink,
	}
}

// Keys returns the override keys a profile accepts, sorted.
func Keys() []string {
	var p Profile
	keys := make([]string, 0, len(p.fields()))
	for k := range p.fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithOverrides returns a copy of p with the given keys replaced.
// Unknown keys are an error so typos in configuration surface early.
func (p Profile) WithOverrides(overrides map[string]string) (Profile, error) {
	out := p
	fields := out.fields()
	for key, value := range overrides {
		ptr, ok := fields[key]
		if !ok {
			return p, fmt.Errorf("unknown selector key %q (valid: %s)", key, strings.Join(Keys(), ", "))
		}
		*ptr = value
	}
	return out, nil
}

// Overlay returns p with every non-empty field of other applied on top.
func (p Profile) Overlay(other Profile) Profile {
	out := p
	dst := out.fields()
	for key, ptr := range other.fields() {
		if *ptr != "" {
			*dst[key] = *ptr
		}
	}
	if other.Version > 0 {
		out.Version = other.Version
	}
	return out
}

// Validate checks the selectors every extraction needs.
func (p Profile) Validate() error {
	if p.Platform == "" {
		return fmt.Errorf("profile platform is required")
	}
	if p.MessageItem == "" {
		return fmt.Errorf("profile %s: message_item is required", p.Platform)
	}
	if p.Content == "" {
		return fmt.Errorf("profile %s: content is required", p.Platform)
	}
	return nil
}

// builtins are the shipped defaults. Bump Version whenever a default changes.
var builtins = map[string]Profile{
	"discord": {
		Platform:        "discord",
		Version:         1,
		MessageItem:     "li[id^='chat-messages-']",
		MessageIDAttr:   "id",
		Author:          "h3 span[class*='username']",
		AuthorIDAttr:    "data-user-id",
		Content:         "div[id^='message-content-']",
		Timestamp:       "time",
		TimestampAttr:   "datetime",
		Edited:          "span[class*='edited']",
		ReplyContext:    "div[class*='repliedMessage']",
		ReactionItem:    "div[class*='reaction_']",
		ReactionEmoji:   "img",
		ReactionCount:   "div[class*='reactionCount']",
		ScrollContainer: "div[class*='messagesWrapper'] div[class*='scroller']",
		LoginProbe:      "input[name='email']",
		UnreadBadge:     "a[href*='/channels/'][aria-label*='unread']",
		ChannelLink:     "a[href*='/channels/']",
	},
	"slack": {
		Platform:        "slack",
		Version:         1,
		MessageItem:     "div.c-message_kit__message",
		MessageIDAttr:   "data-msg-ts",
		Author:          "button.c-message__sender_button",
		AuthorIDAttr:    "data-message-sender",
		Content:         "div.c-message_kit__blocks",
		Timestamp:       "a.c-timestamp",
		TimestampAttr:   "data-ts",
		Edited:          "span.c-message__edited_label",
		ReplyContext:    "div.c-message__reply_bar",
		ReactionItem:    "button.c-reaction",
		ReactionEmoji:   "img.c-emoji",
		ReactionCount:   "span.c-reaction__count",
		ScrollContainer: "div.c-message_list div.c-scrollbar__hider",
		LoginProbe:      "input[name='email']",
		UnreadBadge:     "div.p-channel_sidebar__channel--unread",
		ChannelLink:     "a.p-channel_sidebar__channel",
	},
	"telegram": {
		Platform:        "telegram",
		Version:         1,
		MessageItem:     "div.message[data-mid]",
		MessageIDAttr:   "data-mid",
		Author:          "div.peer-title",
		AuthorIDAttr:    "data-peer-id",
		Content:         "div.message-content .text-content",
		Timestamp:       "span.time",
		TimestampAttr:   "title",
		Edited:          "span.edited-text",
		ReplyContext:    "div.reply",
		ReactionItem:    "div.reaction",
		ReactionEmoji:   "span.reaction-emoji",
		ReactionCount:   "span.reaction-counter",
		ScrollContainer: "div.bubbles .scrollable",
		LoginProbe:      "input[type='tel'], input[name='phone_number']",
		UnreadBadge:     "div.chatlist-chat .badge.unread",
		ChannelLink:     "a.chatlist-chat",
	},
}

// Builtin returns the shipped profile for a platform.
func Builtin(platform string) (Profile, bool) {
	p, ok := builtins[platform]
	return p, ok
}

// Platforms returns the platforms with built-in profiles, sorted.
func Platforms() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
