package pptr

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/tchajed/marshal"
	"github.com/zeebo/blake3"

	"github.com/mit-pdos/go-pmem/common"
)

// Tagged types choose their own type tag.
type Tagged interface {
	PersistentTag() uint32
}

// Traceable types hold pointers to other objects in the pool.
type Traceable interface {
	PersistentPointers() []uint64
}

// TagOf returns T's type tag: its PersistentTag if it has one, otherwise
// the first 4 bytes of a blake3 hash of its name and size.
func TagOf[T any]() uint32 {
	var v T
	if t, ok := any(v).(Tagged); ok {
		return t.PersistentTag()
	}
	typ := reflect.TypeOf(&v).Elem()
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s:%d", typ.String(), typ.Size())))
	return uint32(marshal.NewDec(sum[:8]).GetInt())
}

var persistable sync.Map // reflect.Type -> error

func checkType(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkType(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			err := checkType(t.Field(i).Type)
			if err != nil {
				return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%s has kind %v: %w", t, t.Kind(), common.ErrNotPersistable)
}

// Persistable reports whether T can be stored in a pool: a fixed-size
// value holding no Go pointers.
func Persistable[T any]() error {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if err, ok := persistable.Load(t); ok {
		if err == nil {
			return nil
		}
		return err.(error)
	}
	err := checkType(t)
	persistable.Store(t, err)
	return err
}

var tracers sync.Map // uint32 -> func([]byte) []uint64

// RegisterTracer lets pool checks find the pointers held by objects of
// type T.
func RegisterTracer[T Traceable]() {
	if err := Persistable[T](); err != nil {
		panic(err)
	}
	size := unsafe.Sizeof(*new(T))
	tracers.Store(TagOf[T](), func(b []byte) []uint64 {
		if uintptr(len(b)) < size {
			return nil
		}
		return (*(*T)(unsafe.Pointer(unsafe.SliceData(b)))).PersistentPointers()
	})
}

// Tracer returns the pointer tracer registered for tag.
func Tracer(tag uint32) (func([]byte) []uint64, bool) {
	f, ok := tracers.Load(tag)
	if !ok {
		return nil, false
	}
	return f.(func([]byte) []uint64), true
}
