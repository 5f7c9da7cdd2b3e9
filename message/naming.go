package message

import "reflect"

// TypeName returns the message-type identifier of v's dynamic type. It is
// the package path plus type name, with a "*" prefix per pointer level, so
// same-named types from different packages never collide.
func TypeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return typeName(reflect.TypeOf(v))
}

// TypeOf returns the message-type identifier of T.
func TypeOf[T any]() string {
	return typeName(reflect.TypeOf((*T)(nil)).Elem())
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + typeName(t.Elem())
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
