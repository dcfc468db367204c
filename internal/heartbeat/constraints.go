package heartbeat

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Constraints are the knobs read from the heartbeat constraints document
// (spec §4.5.1), with the defaults applied when the document is absent or
// a knob is unset.
type Constraints struct {
	MaxConcurrentAgents int
	BlockedRetryMinutes int
	BuilderEnabled      bool
	SynthesizerEnabled  bool
	TickPeriodSeconds   int
}

// DefaultConstraints is used when no constraints document is configured.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxConcurrentAgents: 3,
		BlockedRetryMinutes: 30,
		BuilderEnabled:      true,
		SynthesizerEnabled:  false,
		TickPeriodSeconds:   60,
	}
}

var (
	checkboxLine = regexp.MustCompile(`^-\s*\[([ xX])\]\s*(.+?)\s*$`)
	knobLine     = regexp.MustCompile(`^-\s*([^:]+?)\s*:\s*(\S+)\s*$`)
)

// LoadConstraints reads the Markdown checklist document at path, falling
// back to DefaultConstraints for any knob it doesn't recognize. An empty
// path or a missing file both return the defaults, not an error — the
// document is optional.
//
// Grounded on the teacher's bufio.Scanner line-oriented parsing style
// (task/load.go's loadLogFile), applied here to a checklist instead of a
// JSONL log.
func LoadConstraints(path string) (Constraints, error) {
	c := DefaultConstraints()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path) //nolint:gosec // path is operator-configured, not user input.
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	defer f.Close()
	return parseConstraints(f, c)
}

func parseConstraints(r io.Reader, base Constraints) (Constraints, error) {
	c := base
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if m := checkboxLine.FindStringSubmatch(line); m != nil {
			checked := strings.EqualFold(m[1], "x")
			applyBoolKnob(&c, m[2], checked)
			continue
		}
		if m := knobLine.FindStringSubmatch(line); m != nil {
			applyIntKnob(&c, m[1], m[2])
			continue
		}
	}
	if err := scanner.Err(); err != nil {
		return base, err
	}
	return c, nil
}

func applyBoolKnob(c *Constraints, label string, value bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "builder enabled":
		c.BuilderEnabled = value
	case "synthesizer enabled":
		c.SynthesizerEnabled = value
	}
}

func applyIntKnob(c *Constraints, label, rawValue string) {
	n, err := strconv.Atoi(rawValue)
	if err != nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "max concurrent agents":
		c.MaxConcurrentAgents = n
	case "blocked retry interval (minutes)":
		c.BlockedRetryMinutes = n
	case "tick period (seconds)":
		c.TickPeriodSeconds = n
	}
}

// watchConstraints reloads Constraints whenever path changes on disk,
// calling onReload with the freshly parsed value. It returns once ctx is
// canceled. Grounded on the teacher's server/usage.go usageFetcher
// credential-file watcher and jaakkos-stringwork's fsnotify-driven state
// reload.
func watchConstraints(ctx context.Context, path string, onReload func(Constraints)) {
	if path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("heartbeat: constraints watcher unavailable", "err", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("heartbeat: failed to watch constraints directory", "path", path, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c, err := LoadConstraints(path)
			if err != nil {
				slog.Warn("heartbeat: failed to reload constraints", "err", err)
				continue
			}
			onReload(c)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("heartbeat: constraints watcher error", "err", err)
		}
	}
}
