package service

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/alink-device/internal/domain"
)

// DefaultCapacity is the number of registry slots when none is configured.
const DefaultCapacity = 50

// Handler is called with the JSON value a registry entry matched.
// For attribute names it receives the value of that key inside "params";
// for topic names it receives the whole decoded payload.
type Handler func(value interface{})

// entry is one registry slot. An empty name marks a free slot.
type entry struct {
	name    string
	handler Handler

	// topic is set for entries created by SubscribeTopic, qos is the
	// level they were subscribed with.
	topic bool
	qos   byte
}

// Subscription is a topic entry that must be subscribed on the transport.
type Subscription struct {
	Topic string
	QoS   byte
}

// DispatchResult reports what one Dispatch call did.
type DispatchResult struct {
	// Invoked is the number of handlers that were called
	Invoked int

	// Panicked lists the names whose handler panicked
	Panicked []string
}

// Registry is a bounded table mapping attribute or topic names to handlers.
//
// Slots are scanned in order: binding reuses the first slot that is free or
// already carries the name, so a name is never stored twice. Unbinding clears
// the slot in place. All operations are guarded by one mutex; handlers are
// always invoked after it has been released, so they may call back into the
// registry.
type Registry struct {
	mu           sync.Mutex
	entries      []entry
	settingTopic string
}

// NewRegistry creates a registry with the given number of slots.
// settingTopic is the shared attribute-setting topic whose payloads fan out
// to attribute handlers.
func NewRegistry(capacity int, settingTopic string) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Registry{
		entries:      make([]entry, capacity),
		settingTopic: settingTopic,
	}
}

// Configure reallocates the table with a new capacity. Every existing
// registration is discarded, so call it before binding anything.
func (r *Registry) Configure(capacity int) error {
	if capacity < 1 {
		return domain.ErrInvalidCapacity
	}

	r.mu.Lock()
	r.entries = make([]entry, capacity)
	r.mu.Unlock()
	return nil
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.entries {
		if r.entries[i].name != "" {
			n++
		}
	}
	return n
}

// Bind associates name with handler, overwriting an existing binding of the same name.
func (r *Registry) Bind(name string, handler Handler) error {
	return r.put(name, handler, false, 0)
}

// Unbind clears the slot holding name.
func (r *Registry) Unbind(name string) error {
	if _, ok := r.remove(name); !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotBound, name)
	}
	return nil
}

// Lookup returns the handler of the first slot named name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if name == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].name == name {
			return r.entries[i].handler, true
		}
	}
	return nil, false
}

// Names returns the occupied slot names in table order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for i := range r.entries {
		if r.entries[i].name != "" {
			names = append(names, r.entries[i].name)
		}
	}
	return names
}

// Subscriptions returns the topic entries in table order.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := make([]Subscription, 0)
	for i := range r.entries {
		if r.entries[i].name != "" && r.entries[i].topic {
			subs = append(subs, Subscription{Topic: r.entries[i].name, QoS: r.entries[i].qos})
		}
	}
	return subs
}

// SettingTopic returns the attribute-setting topic the registry fans out on.
func (r *Registry) SettingTopic() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settingTopic
}

// SetSettingTopic changes the attribute-setting topic, e.g. after credentials were derived.
func (r *Registry) SetSettingTopic(topic string) {
	r.mu.Lock()
	r.settingTopic = topic
	r.mu.Unlock()
}

// put claims the first slot that is free or already named name.
func (r *Registry) put(name string, handler Handler, topic bool, qos byte) error {
	if name == "" {
		return domain.ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].name == "" || r.entries[i].name == name {
			r.entries[i] = entry{name: name, handler: handler, topic: topic, qos: qos}
			return nil
		}
	}
	return fmt.Errorf("%w: %d slots in use", domain.ErrRegistryFull, len(r.entries))
}

// remove clears the first slot named name and returns what it held.
func (r *Registry) remove(name string) (entry, bool) {
	if name == "" {
		return entry{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].name == name {
			old := r.entries[i]
			r.entries[i] = entry{}
			return old, true
		}
	}
	return entry{}, false
}

type invocation struct {
	name    string
	handler Handler
	value   interface{}
}

// Dispatch routes one inbound message.
//
// On the attribute-setting topic every slot whose name is a key of the
// payload's "params" object is invoked with that key's value, in table order.
// On any other topic the first slot named exactly topic is invoked with the
// whole payload. A payload that is not valid JSON invokes nothing and
// returns ErrInvalidPayload.
func (r *Registry) Dispatch(topic string, payload []byte) (DispatchResult, error) {
	var root interface{}
	if err := json.Unmarshal(payload, &root); err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	calls := r.match(topic, root)

	result := DispatchResult{}
	for _, call := range calls {
		if !invoke(call) {
			result.Panicked = append(result.Panicked, call.name)
		}
		result.Invoked++
	}
	return result, nil
}

// match collects the handlers to run under the lock.
func (r *Registry) match(topic string, root interface{}) []invocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic == r.settingTopic && r.settingTopic != "" {
		obj, _ := root.(map[string]interface{})
		params, _ := obj["params"].(map[string]interface{})
		if params == nil {
			return nil
		}

		var calls []invocation
		for i := range r.entries {
			e := r.entries[i]
			if e.name == "" || e.handler == nil {
				continue
			}
			if v, ok := params[e.name]; ok {
				calls = append(calls, invocation{name: e.name, handler: e.handler, value: v})
			}
		}
		return calls
	}

	for i := range r.entries {
		e := r.entries[i]
		if e.name != "" && e.name == topic {
			if e.handler == nil {
				return nil
			}
			return []invocation{{name: e.name, handler: e.handler, value: root}}
		}
	}
	return nil
}

// invoke runs a handler, reporting false if it panicked.
func invoke(call invocation) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	call.handler(call.value)
	return true
}
