// Package config handles configuration loading for thoth.
//
// # Configuration File
//
// The file is chosen in this order:
//
//  1. The --config flag
//  2. The THOTH_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/thoth/thoth.toml (or ~/.config/thoth/thoth.toml)
//
// TOML is the primary format. Files ending in .yaml or .yml are decoded as
// YAML with the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	[thoth]
//	db_path = "${THOTH_DATA}/thoth.db"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[scrape]
//	scroll_delay = "1500ms"
//	task_timeout = "2m"
//
// # Configuration Sections
//
//	[thoth]
//	db_path = "data/thoth.db"
//	profile_dir = "data/profiles"
//	headless = false
//	loop_delay = "20s"
//	browser_command = "thoth-browser"
//
//	[scrape]
//	recent_message_limit = 200
//	idle_cycles_before_backfill = 6
//	idle_cycles_before_recent = 3
//	backfill_scroll_steps = 4
//	scroll_pixels = 1200
//	navigation_interval = "2s"
//	dedupe_ttl = "10m"
//	reconstruct_threads = true
//
//	selectors_path = "config/selectors.yaml"
//
//	[supervision]
//	parent_pid = 0
//	poll_interval = "5s"
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//	format = "text"  # text or json
//	file = "logs/sync.log"
//
//	[metrics]
//	enabled = false
//	addr = "127.0.0.1:9464"
//
//	[[sources]]
//	name = "work"
//	type = "slack"
//	base_url = "https://app.slack.com/client/T123"
//	selectors = { message_item = "div.c-message_kit__message" }
//
//	  [[sources.channels]]
//	  name = "general"
//	  url = "https://app.slack.com/client/T123/C456"
//
// A source with no channels listed discovers its channels unless
// auto_discover is set to false.
package config
