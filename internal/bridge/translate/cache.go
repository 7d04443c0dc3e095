package translate

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ToolUse is the cached state of one tool invocation announced by the
// agent. It progresses from announced-with-partial-input (streaming
// block start) to announced-with-full-input (finalized assistant
// message) and is evicted when its result update is emitted, or, for
// background tool uses, when the deferred completion notification
// resolves it.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any

	// Background marks a tool use whose real completion arrives later
	// via a task notification.
	Background bool

	// ParentID links tool uses running inside a subagent (Task) context.
	ParentID string

	// Announced is set once a tool_call update has been emitted for
	// this id; later sightings emit tool_call_update instead.
	Announced bool

	// Finalized is set once the complete input has been seen.
	Finalized bool
}

// toolUseCache wraps go-cache for tool-use entries. Entries are evicted
// explicitly; the TTL only catches background tools whose completion
// never arrives.
type toolUseCache struct {
	c *gocache.Cache
}

func newToolUseCache() *toolUseCache {
	return &toolUseCache{c: gocache.New(24*time.Hour, time.Hour)}
}

func (tc *toolUseCache) put(entry *ToolUse) {
	tc.c.Set(entry.ID, entry, gocache.DefaultExpiration)
}

func (tc *toolUseCache) get(id string) (*ToolUse, bool) {
	v, ok := tc.c.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*ToolUse), true
}

func (tc *toolUseCache) evict(id string) {
	tc.c.Delete(id)
}
