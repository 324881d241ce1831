package alerts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	SeverityRules map[string]string `yaml:"severity_rules"`
}

// LoadRules reads the severity_rules block of a YAML file and layers it
// over DefaultRules.
func LoadRules(path string) (RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) (RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	rules := DefaultRules()
	for tag, name := range f.SeverityRules {
		sev, err := ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", tag, err)
		}
		rules[normalizeType(tag)] = sev
	}
	return rules, nil
}

// RuleWatcher reloads the classifier table when the rules file changes.
// Every fsnotify event on the file reloads it; a slow poll on size and
// mtime covers platforms and editors where notifications get lost.
type RuleWatcher struct {
	path         string
	classifier   *Classifier
	log          *zap.Logger
	pollInterval time.Duration

	lastMod  time.Time
	lastSize int64
}

func NewRuleWatcher(path string, c *Classifier, log *zap.Logger) *RuleWatcher {
	return &RuleWatcher{
		path:         path,
		classifier:   c,
		log:          log,
		pollInterval: 60 * time.Second,
	}
}

// Reload applies the file once. On error the previous table stays active.
func (w *RuleWatcher) Reload() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat rules: %w", err)
	}
	rules, err := LoadRules(w.path)
	if err != nil {
		return err
	}
	w.classifier.Replace(rules)
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()
	w.log.Info("severity rules loaded", zap.String("path", w.path), zap.Int("rules", len(rules)))
	return nil
}

func (w *RuleWatcher) reloadIfChanged() {
	info, err := os.Stat(w.path)
	if err != nil || (info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize) {
		return
	}
	if err := w.Reload(); err != nil {
		w.log.Warn("severity rules reload failed", zap.Error(err))
	}
}

// Run blocks until ctx is done.
func (w *RuleWatcher) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var errs <-chan error

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("rules watcher unavailable, polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		// Watch the directory so atomic renames by editors are seen.
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			w.log.Warn("rules watcher add failed, polling only", zap.String("path", w.path), zap.Error(err))
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				time.Sleep(100 * time.Millisecond)
				if err := w.Reload(); err != nil {
					w.log.Warn("severity rules reload failed", zap.Error(err))
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("rules watcher error", zap.Error(err))
		case <-ticker.C:
			w.reloadIfChanged()
		}
	}
}
