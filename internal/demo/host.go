// Package demo is an in-process openHAB-like host: items, an item
// registry, state types, semantics, persistence and an event bus, served to
// scripts through an import proxy. "shim --demo" and the tests run against
// it.
package demo

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"automationshim/internal/host"
	"automationshim/internal/resolver"
)

// Fully qualified class names of the demo host.
const (
	ItemClass                  = "org.openhab.core.items.Item"
	ItemRegistryClass          = "org.openhab.core.items.ItemRegistry"
	DecimalTypeClass           = "org.openhab.core.library.types.DecimalType"
	OnOffTypeClass             = "org.openhab.core.library.types.OnOffType"
	UnDefTypeClass             = "org.openhab.core.types.UnDefType"
	SemanticsClass             = "org.openhab.core.model.script.actions.Semantics"
	PersistenceExtensionsClass = "org.openhab.core.persistence.extensions.PersistenceExtensions"
)

// Tags understood by Semantics.
const (
	TagLocation  = "Location"
	TagEquipment = "Equipment"
	TagPoint     = "Point"
)

// State is an item state.
type State interface {
	String() string
}

// DecimalType is a numeric state.
type DecimalType struct {
	Value float64
}

// NewDecimalType is the DecimalType constructor.
func NewDecimalType(v float64) DecimalType {
	return DecimalType{Value: v}
}

func (d DecimalType) String() string {
	return fmt.Sprintf("%g", d.Value)
}

// FloatValue returns the numeric value.
func (d DecimalType) FloatValue() float64 {
	return d.Value
}

// OnOffType is a switch state.
type OnOffType string

func (o OnOffType) String() string {
	return string(o)
}

// UnDefType marks an undefined state.
type UnDefType string

func (u UnDefType) String() string {
	return string(u)
}

// Switch and undefined state constants.
const (
	ON    OnOffType = "ON"
	OFF   OnOffType = "OFF"
	UNDEF UnDefType = "UNDEF"
	NULL  UnDefType = "NULL"
)

// OnOffStatics is the static side of OnOffType.
type OnOffStatics struct {
	ON  OnOffType
	OFF OnOffType
}

// UnDefStatics is the static side of UnDefType.
type UnDefStatics struct {
	UNDEF UnDefType
	NULL  UnDefType
}

// Item is a demo host item.
type Item struct {
	mu    sync.RWMutex
	name  string
	typ   string
	label string
	state State
	tags  map[string]bool
}

// NewItem creates an item in the NULL state.
func NewItem(name, typ string, tags ...string) *Item {
	item := &Item{
		name:  name,
		typ:   typ,
		state: NULL,
		tags:  make(map[string]bool),
	}
	for _, tag := range tags {
		item.tags[tag] = true
	}
	return item
}

func (i *Item) GetName() string {
	return i.name
}

func (i *Item) GetType() string {
	return i.typ
}

func (i *Item) GetLabel() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.label
}

func (i *Item) SetLabel(label string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.label = label
}

func (i *Item) GetState() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Item) HasTag(tag string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tags[tag]
}

func (i *Item) GetTags() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	tags := make([]string, 0, len(i.tags))
	for tag := range i.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (i *Item) setState(state State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
}

// ItemNotFoundException is raised for unknown item names.
type ItemNotFoundException struct {
	Name string
}

func (e *ItemNotFoundException) Error() string {
	return fmt.Sprintf("Item '%s' could not be found in the item registry", e.Name)
}

// ItemRegistry holds the demo items.
type ItemRegistry struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func newItemRegistry() *ItemRegistry {
	return &ItemRegistry{items: make(map[string]*Item)}
}

// GetItem returns the item named name.
func (r *ItemRegistry) GetItem(name string) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	if !ok {
		return nil, &ItemNotFoundException{Name: name}
	}
	return item, nil
}

// Add registers item, replacing one of the same name.
func (r *ItemRegistry) Add(item *Item) *Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.GetName()] = item
	return item
}

// GetItems returns all items sorted by name.
func (r *ItemRegistry) GetItems() []*Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]*Item, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].name < items[b].name })
	return items
}

// HistoricItem is a persisted state.
type HistoricItem struct {
	Timestamp time.Time
	State     State
}

// history records item state changes per persistence service.
type history struct {
	mu      sync.RWMutex
	entries map[string][]HistoricItem
}

func historyKey(service, item string) string {
	return service + "/" + item
}

func (h *history) record(service, item string, at time.Time, state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey(service, item)
	h.entries[key] = append(h.entries[key], HistoricItem{Timestamp: at, State: state})
}

func (h *history) between(service, item string, begin, end time.Time) []HistoricItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var result []HistoricItem
	for _, entry := range h.entries[historyKey(service, item)] {
		if !entry.Timestamp.Before(begin) && !entry.Timestamp.After(end) {
			result = append(result, entry)
		}
	}
	return result
}

// DefaultPersistenceService is used when no service id is passed.
const DefaultPersistenceService = "rrd4j"

// Semantics is the static side of the semantic actions.
type Semantics struct{}

func (Semantics) IsLocation(item *Item) bool {
	return item.HasTag(TagLocation)
}

func (Semantics) IsEquipment(item *Item) bool {
	return item.HasTag(TagEquipment)
}

func (Semantics) IsPoint(item *Item) bool {
	return item.HasTag(TagPoint)
}

// PersistenceExtensions is the static side of the persistence actions. Each
// method takes an optional trailing service id.
type PersistenceExtensions struct {
	history *history
	now     func() time.Time
}

func service(serviceID []string) string {
	if len(serviceID) > 0 && serviceID[0] != "" {
		return serviceID[0]
	}
	return DefaultPersistenceService
}

func (p *PersistenceExtensions) ChangedSince(item *Item, since time.Time, serviceID ...string) bool {
	return len(p.history.between(service(serviceID), item.GetName(), since, p.now())) > 0
}

func (p *PersistenceExtensions) GetAllStatesBetween(item *Item, begin, end time.Time, serviceID ...string) []HistoricItem {
	return p.history.between(service(serviceID), item.GetName(), begin, end)
}

func (p *PersistenceExtensions) CountSince(item *Item, since time.Time, serviceID ...string) int {
	return len(p.history.between(service(serviceID), item.GetName(), since, p.now()))
}

// ItemEvent records one bus event.
type ItemEvent struct {
	Kind  string
	Item  string
	Value string
}

// EventBus is the "events" preset: it posts updates and commands.
type EventBus struct {
	host *Host
}

func (b *EventBus) PostUpdate(item *Item, state any) error {
	return b.host.apply("update", item, state)
}

func (b *EventBus) SendCommand(item *Item, command any) error {
	return b.host.apply("command", item, command)
}

// Host is an in-process openHAB-like host. It defines its classes on a
// runtime and serves as the import proxy for scripts.
type Host struct {
	Runtime  *host.Runtime
	Registry *ItemRegistry
	Events   *EventBus

	history *history
	now     func() time.Time

	mu     sync.Mutex
	events []ItemEvent
}

// NewHost defines the demo classes on rt.
func NewHost(rt *host.Runtime) *Host {
	h := &Host{
		Runtime:  rt,
		Registry: newItemRegistry(),
		history:  &history{entries: make(map[string][]HistoricItem)},
		now:      time.Now,
	}
	h.Events = &EventBus{host: h}

	rt.MustDefine(host.ClassSpec{Name: ItemClass, Instance: (*Item)(nil), Constructor: NewItem})
	rt.MustDefine(host.ClassSpec{Name: ItemRegistryClass, Instance: (*ItemRegistry)(nil)})
	rt.MustDefine(host.ClassSpec{Name: DecimalTypeClass, Instance: DecimalType{}, Constructor: NewDecimalType})
	rt.MustDefine(host.ClassSpec{Name: OnOffTypeClass, Instance: ON, Statics: OnOffStatics{ON: ON, OFF: OFF}})
	rt.MustDefine(host.ClassSpec{Name: UnDefTypeClass, Instance: UNDEF, Statics: UnDefStatics{UNDEF: UNDEF, NULL: NULL}})
	rt.MustDefine(host.ClassSpec{Name: SemanticsClass, Statics: Semantics{}})
	rt.MustDefine(host.ClassSpec{
		Name:    PersistenceExtensionsClass,
		Statics: &PersistenceExtensions{history: h.history, now: h.clock},
	})

	rt.RegisterService("itemRegistry", h.Registry)
	rt.RegisterService("events", h.Events)
	return h
}

func (h *Host) clock() time.Time {
	return h.now()
}

// SetClock replaces the time source used by persistence queries.
func (h *Host) SetClock(now func() time.Time) {
	h.now = now
}

// AddItem registers a new item.
func (h *Host) AddItem(name, typ string, tags ...string) *Item {
	return h.Registry.Add(NewItem(name, typ, tags...))
}

// Record persists a state for item at the given time.
func (h *Host) Record(item *Item, service string, at time.Time, state State) {
	h.history.record(service, item.GetName(), at, state)
}

// PostedEvents returns the bus events posted so far.
func (h *Host) PostedEvents() []ItemEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]ItemEvent, len(h.events))
	copy(events, h.events)
	return events
}

func (h *Host) apply(kind string, item *Item, value any) error {
	var state State
	switch v := value.(type) {
	case State:
		state = v
	case string:
		state = stringState(v)
	case float64:
		state = DecimalType{Value: v}
	case int:
		state = DecimalType{Value: float64(v)}
	case time.Time:
		state = stringState(v.Format(time.RFC3339Nano))
	default:
		return fmt.Errorf("unsupported state type %T", value)
	}

	item.setState(state)
	h.history.record(DefaultPersistenceService, item.GetName(), h.now(), state)

	h.mu.Lock()
	h.events = append(h.events, ItemEvent{Kind: kind, Item: item.GetName(), Value: state.String()})
	h.mu.Unlock()
	return nil
}

type stringState string

func (s stringState) String() string {
	return string(s)
}

// classesIn lists the defined classes directly inside package pkg.
func (h *Host) classesIn(pkg string) []string {
	var names []string
	for _, fqn := range []string{
		ItemClass, ItemRegistryClass, DecimalTypeClass, OnOffTypeClass,
		UnDefTypeClass, SemanticsClass, PersistenceExtensionsClass,
	} {
		if fqn[:strings.LastIndex(fqn, ".")] == pkg {
			names = append(names, fqn)
		}
	}
	return names
}

// ImportProxy returns the host's import proxy. Host packages map to a
// class_list naming the requested classes (or every class of the package);
// the virtual namespace maps to the script presets.
func (h *Host) ImportProxy(opts resolver.Options) func(name string, fromList []string) (any, error) {
	return func(name string, fromList []string) (any, error) {
		if strings.HasPrefix(name, opts.VirtualNamespace) {
			return h.Runtime.Wrap(h.presets(name, opts.VirtualNamespace)), nil
		}

		classes := make([]any, 0, len(fromList))
		if len(fromList) == 0 {
			for _, fqn := range h.classesIn(name) {
				classes = append(classes, fqn)
			}
		}
		for _, symbol := range fromList {
			classes = append(classes, name+"."+symbol)
		}
		if len(classes) == 0 {
			return host.NewHashMap(), nil
		}

		result := host.NewHashMap()
		result.Put(opts.ClassListKey, classes)
		return result, nil
	}
}

// presets builds the virtual namespace mapping. Sub-namespaces like
// "scope.RuleSupport" resolve to the nested preset.
func (h *Host) presets(name, namespace string) *host.HashMap {
	ruleSupport := host.NewHashMap()
	ruleSupport.Put("lifecycleTracker", "lifecycle")

	all := host.NewHashMap()
	all.Put("itemRegistry", h.Registry)
	all.Put("events", h.Events)
	all.Put("ON", ON)
	all.Put("OFF", OFF)
	all.Put("UNDEF", UNDEF)
	all.Put("NULL", NULL)
	all.Put("RuleSupport", ruleSupport)

	sub := strings.TrimPrefix(strings.TrimPrefix(name, namespace), ".")
	if sub == "" {
		return all
	}
	if nested, ok := all.Get(sub); ok {
		if m, ok := nested.(*host.HashMap); ok {
			return m
		}
	}
	return host.NewHashMap()
}
