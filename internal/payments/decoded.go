package payments

// Decoded is the result of parsing an upstream field: either a value or the
// error its parser returned. A payment never proceeds from a Decoded that
// carries an error.
type Decoded[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Decoded[T] {
	return Decoded[T]{Value: v}
}

func Failed[T any](err error) Decoded[T] {
	return Decoded[T]{Err: err}
}

// Decode captures the (value, error) pair of a parser call.
func Decode[T any](v T, err error) Decoded[T] {
	if err != nil {
		return Failed[T](err)
	}
	return Ok(v)
}

func (d Decoded[T]) Get() (T, error) {
	return d.Value, d.Err
}
