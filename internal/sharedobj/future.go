package sharedobj

import "context"

// Teardown освобождает ресурсы, выделенные обработчиком New.
type Teardown func(ctx context.Context)

// NewObjectFunc вызывается для каждого нового зеркала в собственной горутине
// и может блокироваться (например, на загрузке ассетов). Возвращенный
// Teardown будет вызван ровно один раз после Delete объекта.
type NewObjectFunc func(ctx context.Context, objectID string, mirror *Mirror) (Teardown, error)

// teardownFuture хранит будущий результат обработчика New
type teardownFuture struct {
	done     chan struct{}
	teardown Teardown
	err      error
}

func newTeardownFuture() *teardownFuture {
	return &teardownFuture{done: make(chan struct{})}
}

func (f *teardownFuture) resolve(td Teardown, err error) {
	f.teardown = td
	f.err = err
	close(f.done)
}

func (f *teardownFuture) wait(ctx context.Context) (Teardown, error) {
	select {
	case <-f.done:
		return f.teardown, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
