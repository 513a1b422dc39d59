package store

import "context"

// SetBeforeCommit installs a hook run at the start of every commit attempt
// with the size of the batch being written.
func (s *Store) SetBeforeCommit(fn func(size int) error) {
	s.beforeCommit = func(batch []entry) error { return fn(len(batch)) }
}

// HoldConn borrows a connection from the pool until release is called.
func (s *Store) HoldConn(ctx context.Context) (func(), error) {
	_, release, err := s.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return func() { release(nil) }, nil
}
