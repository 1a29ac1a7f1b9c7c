package xenstore

// Event is a single change notification delivered by a Backend. Path is the
// node that changed; Token is the watch registration the change matched.
type Event struct {
	Path  string
	Token string
}

// Backend is the transport behind a Store: either a live xenstored connection
// or an in-memory store. All paths are absolute, slash-separated, with no
// trailing slash (callers may pass one; implementations must tolerate it).
//
// Read returns ErrNotFound for a path with no value. Remove of an absent path
// is a no-op. Directory of an absent or childless path returns an empty slice.
type Backend interface {
	Read(path string) (string, error)
	Write(path, value string) error
	Remove(path string) error
	Directory(path string) ([]string, error)
	DomainPath(domID uint32) (string, error)

	// Watch registers interest in path and its descendants. Matching change
	// events carry token on the Events stream. Unwatch of an unknown
	// registration is a no-op.
	Watch(path, token string) error
	Unwatch(path, token string) error

	// Events returns the change stream. The same channel is returned on
	// every call. It is closed when the backend fails or is closed; a Store
	// treats an unexpected close as loss of the store connection.
	Events() <-chan Event

	Close() error
}
