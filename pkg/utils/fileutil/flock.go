package fileutil

// Releaser releases a lock taken with NewLock.
type Releaser interface {
	Release() error
}
