package node

import (
	"reflect"
	"sync"

	"golang.org/x/xerrors"
)

// reflectInjector keeps the components in the order they are injected. A
// component replaces the previous one of the same concrete type, and a
// resolution returns the first component assignable to the requested type.
// Actions resolve components from many connections at once.
//
// - implements node.Injector
type reflectInjector struct {
	sync.RWMutex
	components []interface{}
}

// NewInjector returns an empty injector.
func NewInjector() Injector {
	return &reflectInjector{}
}

// Resolve implements node.Injector. The argument must be a non-nil pointer to
// the type of the component, which is usually an interface or a pointer type.
func (inj *reflectInjector) Resolve(v interface{}) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr {
		return xerrors.New("expect a pointer")
	}

	target := ptr.Elem()
	if !target.IsValid() {
		return xerrors.Errorf("reflect value '%v' is invalid", ptr)
	}

	inj.RLock()
	defer inj.RUnlock()

	for _, component := range inj.components {
		value := reflect.ValueOf(component)

		if value.Type().AssignableTo(target.Type()) {
			target.Set(value)
			return nil
		}
	}

	return xerrors.Errorf("couldn't find dependency for '%v'", target.Type())
}

// Inject implements node.Injector.
func (inj *reflectInjector) Inject(v interface{}) {
	inj.Lock()
	defer inj.Unlock()

	typ := reflect.TypeOf(v)

	for i, component := range inj.components {
		if reflect.TypeOf(component) == typ {
			inj.components[i] = v
			return
		}
	}

	inj.components = append(inj.components, v)
}
