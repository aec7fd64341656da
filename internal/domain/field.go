package domain

// Field хранит значение патча с тремя состояниями: не передано, явно очищено, задано.
// Нулевое значение означает «не передано».
type Field[T any] struct {
	value T
	state fieldState
}

type fieldState uint8

const (
	fieldUnset fieldState = iota
	fieldCleared
	fieldSet
)

// Set возвращает поле с заданным значением.
func Set[T any](v T) Field[T] {
	return Field[T]{value: v, state: fieldSet}
}

// Clear возвращает поле, явно очищенное вызывающей стороной.
func Clear[T any]() Field[T] {
	return Field[T]{state: fieldCleared}
}

// FromPtr: nil трактуется как явное очищение.
func FromPtr[T any](v *T) Field[T] {
	if v == nil {
		return Clear[T]()
	}
	return Set(*v)
}

// IsSet: поле передано (значением или очищением).
func (f Field[T]) IsSet() bool { return f.state != fieldUnset }

// IsCleared: поле явно очищено.
func (f Field[T]) IsCleared() bool { return f.state == fieldCleared }

// Value возвращает значение и признак его наличия.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == fieldSet
}

// Ptr возвращает указатель на значение или nil (для путей создания: отсутствие хранится явно).
func (f Field[T]) Ptr() *T {
	if f.state != fieldSet {
		return nil
	}
	v := f.value
	return &v
}

// Patch применяет поле к текущему значению (путь обновления): не переданное поле сохраняет current.
func (f Field[T]) Patch(current *T) *T {
	switch f.state {
	case fieldSet:
		return f.Ptr()
	case fieldCleared:
		return nil
	default:
		return current
	}
}
