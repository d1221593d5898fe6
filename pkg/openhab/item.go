// Package openhab provides the script-facing helpers built on top of the
// import hook and the foreign-call trap.
package openhab

import (
	"fmt"

	"automationshim/internal/scripting"
	"automationshim/internal/trap"
)

// Host packages holding the helper classes.
const (
	SemanticsPackage   = "org.openhab.core.model.script.actions"
	PersistencePackage = "org.openhab.core.persistence.extensions"
)

// Item is a trapped host item with semantic and persistence views.
type Item struct {
	*trap.Object

	sc          *scripting.Context
	semantics   any
	persistence any
}

// Wrap returns the item view of a host item. The helper classes are imported
// through the context's import hook.
func Wrap(sc *scripting.Context, item any) (*Item, error) {
	semantics, err := importClass(sc, SemanticsPackage, "Semantics")
	if err != nil {
		return nil, err
	}
	persistence, err := importClass(sc, PersistencePackage, "PersistenceExtensions")
	if err != nil {
		return nil, err
	}
	return &Item{
		Object:      sc.Wrap(item),
		sc:          sc,
		semantics:   semantics,
		persistence: persistence,
	}, nil
}

func importClass(sc *scripting.Context, pkg, name string) (any, error) {
	mod, err := sc.Import(pkg, name)
	if err != nil {
		return nil, err
	}
	class, ok := mod.Get(name)
	if !ok {
		return nil, fmt.Errorf("module %s has no %s", pkg, name)
	}
	return class, nil
}

// Semantic returns the semantic actions bound to the item: every call gets
// the item as its first argument.
func (i *Item) Semantic() *trap.Proxy {
	return i.sc.Proxy(i.semantics, trap.Prepend(i.Unwrap()))
}

// Persistence returns the persistence actions bound to the item. With a
// service id, it is passed as the last argument of every call.
func (i *Item) Persistence(serviceID ...string) *trap.Proxy {
	transform := trap.Prepend(i.Unwrap())
	if len(serviceID) > 0 && serviceID[0] != "" {
		transform = trap.Chain(transform, trap.Append(serviceID[0]))
	}
	return i.sc.Proxy(i.persistence, transform)
}

// PostUpdate posts state for the item on the event bus.
func (i *Item) PostUpdate(state any) error {
	return i.publish("postUpdate", state)
}

// SendCommand sends command to the item on the event bus.
func (i *Item) SendCommand(command any) error {
	return i.publish("sendCommand", command)
}

func (i *Item) publish(method string, value any) error {
	mod, err := i.sc.Import(i.sc.Options().VirtualNamespace, "events")
	if err != nil {
		return err
	}
	events, ok := mod.Get("events")
	if !ok {
		return fmt.Errorf("no events preset in %s", mod.Name())
	}
	_, err = i.sc.Wrap(events).Call(method, i.Unwrap(), value)
	return err
}
