// Package settings manages per-working-directory permission rules.
// Multiple sessions in the same directory share one handle; the rules
// file is watched and reloaded on change.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kdlbs/agentbridge/internal/common/logger"
	"github.com/kdlbs/agentbridge/pkg/streamjson"
)

const (
	settingsDir  = ".agentbridge"
	settingsFile = "settings.yaml"
)

// Rule is one permission rule from settings.yaml. Tool is an exact
// name or a path.Match glob; Pattern, when set, must appear in the
// tool's primary input (command, file path or URL) for the rule to
// apply.
type Rule struct {
	Name    string `yaml:"name,omitempty"`
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern,omitempty"`
	Action  string `yaml:"action"`
}

type rulesFile struct {
	Permissions struct {
		Rules []Rule `yaml:"rules"`
	} `yaml:"permissions"`
}

// Decision is the outcome of matching a tool use against the rules.
// Behavior is allow, deny or ask; Rule names the matching rule, empty
// when no rule applied and the default (ask) was used.
type Decision struct {
	Behavior string
	Rule     string
}

// Registry hands out shared settings handles keyed by working
// directory.
type Registry struct {
	logger  *logger.Logger
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:  log.WithComponent("settings"),
		handles: make(map[string]*Handle),
	}
}

// Acquire returns the shared handle for workdir, loading the rules file
// and starting its watcher on first use.
func (r *Registry) Acquire(workdir string) (*Handle, error) {
	workdir = filepath.Clean(workdir)

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[workdir]; ok {
		h.refs++
		return h, nil
	}

	h := &Handle{
		registry: r,
		workdir:  workdir,
		path:     filepath.Join(workdir, settingsDir, settingsFile),
		refs:     1,
		logger:   r.logger.WithFields(zap.String("workdir", workdir)),
	}
	h.reload()
	if err := h.watch(); err != nil {
		// Missing directory or watch limits are not fatal; the handle
		// just serves the rules loaded at acquire time.
		h.logger.Warn("settings watcher unavailable", zap.Error(err))
	}
	r.handles[workdir] = h
	return h, nil
}

// Release drops one reference. The last release stops the watcher and
// removes the handle from the registry.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.handles, h.workdir)
	if h.watcher != nil {
		if err := h.watcher.Close(); err != nil {
			h.logger.Warn("closing settings watcher", zap.Error(err))
		}
	}
}

// Handle is the shared per-directory rule set.
type Handle struct {
	registry *Registry
	workdir  string
	path     string
	logger   *logger.Logger
	watcher  *fsnotify.Watcher

	refs int // guarded by registry.mu

	mu    sync.RWMutex
	rules []Rule
}

// Workdir returns the directory this handle serves.
func (h *Handle) Workdir() string { return h.workdir }

// Decide matches a tool use against the rules, first match wins. With
// no matching rule the decision is ask with an empty rule name.
func (h *Handle) Decide(tool string, input map[string]any) Decision {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subject := primaryInput(tool, input)
	for _, rule := range h.rules {
		if !matchTool(rule.Tool, tool) {
			continue
		}
		if rule.Pattern != "" && !strings.Contains(subject, rule.Pattern) {
			continue
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("%s:%s", rule.Tool, rule.Action)
		}
		switch rule.Action {
		case streamjson.BehaviorAllow, streamjson.BehaviorDeny, streamjson.BehaviorAsk:
			return Decision{Behavior: rule.Action, Rule: name}
		default:
			h.logger.Warn("rule with unknown action ignored",
				zap.String("rule", name), zap.String("action", rule.Action))
		}
	}
	return Decision{Behavior: streamjson.BehaviorAsk}
}

// RuleCount reports the number of loaded rules, for diagnostics.
func (h *Handle) RuleCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rules)
}

func matchTool(pattern, tool string) bool {
	if pattern == tool || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, tool)
	return err == nil && ok
}

// primaryInput extracts the field a rule pattern is matched against.
func primaryInput(tool string, input map[string]any) string {
	if input == nil {
		return ""
	}
	var keys []string
	switch tool {
	case streamjson.ToolBash:
		keys = []string{"command"}
	case streamjson.ToolWebFetch:
		keys = []string{"url"}
	case streamjson.ToolWebSearch:
		keys = []string{"query"}
	default:
		keys = []string{"file_path", "notebook_path", "path", "pattern"}
	}
	for _, key := range keys {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (h *Handle) reload() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("reading settings file", zap.Error(err))
		}
		h.setRules(nil)
		return
	}
	var parsed rulesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		// A broken file keeps the previous rules; a half-written file
		// during an editor save must not drop protections.
		h.logger.Warn("parsing settings file", zap.Error(err))
		return
	}
	h.setRules(parsed.Permissions.Rules)
	h.logger.Debug("settings loaded", zap.Int("rules", len(parsed.Permissions.Rules)))
}

func (h *Handle) setRules(rules []Rule) {
	h.mu.Lock()
	h.rules = rules
	h.mu.Unlock()
}

// watch watches the settings directory rather than the file itself so
// that delete-and-recreate saves keep working.
func (h *Handle) watch() error {
	dir := filepath.Dir(h.path)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	h.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != settingsFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				h.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("settings watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
