package value

import "fmt"

// Get returns the child stored under key, or Undefined when v is not an
// object or the key is absent.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Value{}
	}
	child, found := v.obj.Get(key)
	if !found {
		return Value{}
	}
	return *child.(*Value)
}

// Has reports whether v is an object holding key.
func (v Value) Has(key string) bool {
	if v.kind != KindObject {
		return false
	}
	_, found := v.obj.Get(key)
	return found
}

// Index returns the i-th array element, or Undefined when out of range or v
// is not an array.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(*v.arr) {
		return Value{}
	}
	return (*v.arr)[i]
}

// Path walks a chain of string keys and integer indexes. Any other element
// type yields Undefined.
func (v Value) Path(elems ...any) Value {
	cur := v
	for _, e := range elems {
		switch k := e.(type) {
		case string:
			cur = cur.Get(k)
		case int:
			cur = cur.Index(k)
		default:
			return Value{}
		}
	}
	return cur
}

// At returns a pointer to the child stored under key, creating it (as
// Undefined) when absent. Undefined and Null receivers are promoted to empty
// objects first. For any other variant the returned node is detached and
// writes to it are discarded.
func (v *Value) At(key string) *Value {
	if v.kind == KindUndefined || v.kind == KindNull {
		*v = NewObject()
	}
	if v.kind != KindObject {
		return &Value{}
	}
	if child, found := v.obj.Get(key); found {
		return child.(*Value)
	}
	child := &Value{}
	v.obj.Put(key, child)
	return child
}

// Elem returns a pointer to the i-th array element, or a detached node when
// out of range. The pointer is invalidated by a later Push.
func (v *Value) Elem(i int) *Value {
	if v.kind != KindArray || i < 0 || i >= len(*v.arr) {
		return &Value{}
	}
	return &(*v.arr)[i]
}

// Set stores child under key, promoting Undefined and Null receivers to
// objects. Existing keys keep their position.
func (v *Value) Set(key string, child Value) error {
	if v.kind == KindUndefined || v.kind == KindNull {
		*v = NewObject()
	}
	if v.kind != KindObject {
		return fmt.Errorf("%w: cannot set key %q on %s", ErrTypeMismatch, key, v.kind)
	}
	if existing, found := v.obj.Get(key); found {
		*existing.(*Value) = child
		return nil
	}
	c := child
	v.obj.Put(key, &c)
	return nil
}

// Delete removes key from an object. It is a no-op for other variants.
func (v *Value) Delete(key string) {
	if v.kind == KindObject {
		v.obj.Remove(key)
	}
}

// Push appends child to an array.
func (v *Value) Push(child Value) error {
	if v.kind != KindArray {
		return fmt.Errorf("%w: cannot push onto %s", ErrTypeMismatch, v.kind)
	}
	*v.arr = append(*v.arr, child)
	return nil
}

// Assign replaces v in place, which is how a node returned by At is filled.
func (v *Value) Assign(nv Value) {
	*v = nv
}
