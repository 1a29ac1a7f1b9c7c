package xenstore

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const watchWait = 2 * time.Second

func newTestStore(t *testing.T) (*Store, *MemStore) {
	t.Helper()
	mem := NewMemStore()
	store := New(mem, nil)
	t.Cleanup(func() { store.Close() })
	return store, mem
}

func TestDomainPath(t *testing.T) {
	store, mem := newTestStore(t)

	mem.SetDomainPath(3, "/local/domain/3/")

	path, err := store.DomainPath(3)
	if err != nil {
		t.Fatalf("DomainPath: %v", err)
	}
	if path != "/local/domain/3" {
		t.Errorf("DomainPath = %q, want %q", path, "/local/domain/3")
	}

	// Unconfigured domains resolve to the conventional location.
	path, err = store.DomainPath(7)
	if err != nil {
		t.Fatalf("DomainPath: %v", err)
	}
	if path != "/local/domain/7" {
		t.Errorf("DomainPath = %q, want %q", path, "/local/domain/7")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	const path = "/local/domain/3/value"

	if err := store.WriteInt(path, -34567); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	if got, err := store.ReadInt(path); err != nil || got != -34567 {
		t.Errorf("ReadInt = %d, %v; want -34567", got, err)
	}

	if err := store.WriteUint(path, 23567); err != nil {
		t.Fatalf("WriteUint: %v", err)
	}
	if got, err := store.ReadUint(path); err != nil || got != 23567 {
		t.Errorf("ReadUint = %d, %v; want 23567", got, err)
	}

	if err := store.WriteString(path, "This is string value"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if got, err := store.ReadString(path); err != nil || got != "This is string value" {
		t.Errorf("ReadString = %q, %v", got, err)
	}

	if _, err := store.ReadInt("/non/exist/entry"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadInt on absent path = %v, want ErrNotFound", err)
	}
}

func TestReadIntMalformed(t *testing.T) {
	store, _ := newTestStore(t)

	const path = "/local/domain/3/bogus"

	if err := store.WriteString(path, "not-a-number"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, err := store.ReadInt(path); err == nil {
		t.Error("ReadInt on malformed value succeeded")
	}
	if _, err := store.ReadUint(path); err == nil {
		t.Error("ReadUint on malformed value succeeded")
	}
}

func TestExistRemove(t *testing.T) {
	store, _ := newTestStore(t)

	const path = "/local/domain/3/exist"

	if err := store.WriteString(path, "This entry exists"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if !store.Exists(path) {
		t.Error("Exists = false after write")
	}

	if err := store.RemovePath(path); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}
	if store.Exists(path) {
		t.Error("Exists = true after remove")
	}

	// Removing an absent path is a no-op, not an error.
	if err := store.RemovePath("/never/written"); err != nil {
		t.Errorf("RemovePath on absent path: %v", err)
	}
}

func TestReadDirectory(t *testing.T) {
	store, _ := newTestStore(t)

	const dir = "/local/domain/3/directory"
	items := []string{"Item0", "Item1", "SubDir0", "SubDir1"}

	store.WriteString(dir+"/Item0", "Entry 0")
	store.WriteString(dir+"/Item1", "Entry 1")
	store.WriteString(dir+"/SubDir0/entry0", "Entry 0")
	store.WriteString(dir+"/SubDir0/entry1", "Entry 1")
	store.WriteString(dir+"/SubDir1/entry0", "Entry 0")
	store.WriteString(dir+"/SubDir1/entry1", "Entry 1")

	children, err := store.ReadDirectory(dir)
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	got := make(map[string]bool, len(children))
	for _, name := range children {
		got[name] = true
	}
	if len(children) != len(items) {
		t.Errorf("ReadDirectory returned %v, want %v", children, items)
	}
	for _, want := range items {
		if !got[want] {
			t.Errorf("ReadDirectory missing %q", want)
		}
	}

	children, err = store.ReadDirectory("/non/exist/dir")
	if err != nil {
		t.Errorf("ReadDirectory on absent path: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("ReadDirectory on absent path = %v, want empty", children)
	}
}

func TestWatch(t *testing.T) {
	store, mem := newTestStore(t)

	fired := make(chan string, 8)

	const watch1 = "/local/domain/3/watch1"
	if err := store.SetWatch(watch1, func(path string) { fired <- path }); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	drainInitialEvent(t, fired)

	mem.Write(watch1, "Changed")

	select {
	case path := <-fired:
		if path != watch1 {
			t.Errorf("watch fired for %q, want %q", path, watch1)
		}
	case <-time.After(watchWait):
		t.Fatal("watch did not fire")
	}

	store.ClearWatch(watch1)

	const watch2 = "/local/domain/3/watch2"
	if err := store.SetWatch(watch2, func(path string) { fired <- path }); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	drainInitialEvent(t, fired)

	// A change to the cleared path must not fire; the new watch must.
	mem.Write(watch1, "Changed again")
	mem.Write(watch2, "Value2")

	select {
	case path := <-fired:
		if path != watch2 {
			t.Errorf("watch fired for %q, want %q", path, watch2)
		}
	case <-time.After(watchWait):
		t.Fatal("watch did not fire")
	}

	store.ClearWatch(watch2)
	// Clearing a watch that does not exist is a no-op.
	store.ClearWatch("/no/such/watch")
}

func TestWatchSubtree(t *testing.T) {
	store, mem := newTestStore(t)

	fired := make(chan string, 8)
	const root = "/local/domain/5/device"
	if err := store.SetWatch(root, func(path string) { fired <- path }); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	drainInitialEvent(t, fired)

	mem.Write(root+"/vkbd/0/state", "4")

	select {
	case path := <-fired:
		if path != root+"/vkbd/0/state" {
			t.Errorf("watch fired for %q", path)
		}
	case <-time.After(watchWait):
		t.Fatal("subtree watch did not fire")
	}
}

// Events fired while the consumer is not reading must be queued, not
// dropped: a lost event would leave its watcher waiting forever.
func TestMemStoreEventBacklogNotDropped(t *testing.T) {
	mem := NewMemStore()
	defer mem.Close()

	if err := mem.Watch("/backlog", "tok"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	const writes = 200
	for i := 0; i < writes; i++ {
		mem.Write(fmt.Sprintf("/backlog/%d", i), "v")
	}

	// Registration event first, then one event per write, in order.
	last := fmt.Sprintf("/backlog/%d", writes-1)
	deadline := time.After(watchWait)
	for {
		select {
		case ev, ok := <-mem.Events():
			if !ok {
				t.Fatal("event stream closed early")
			}
			if ev.Path == last {
				return
			}
		case <-deadline:
			t.Fatal("final watch event never delivered")
		}
	}
}

func TestErrorHandlerOnBackendLoss(t *testing.T) {
	mem := NewMemStore()
	failed := make(chan error, 1)
	store := New(mem, func(err error) { failed <- err })

	mem.Close()

	select {
	case err := <-failed:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("error handler got %v, want ErrClosed", err)
		}
	case <-time.After(watchWait):
		t.Fatal("error handler not invoked after backend loss")
	}

	store.Close()
}

func TestCloseStopsDispatch(t *testing.T) {
	mem := NewMemStore()
	store := New(mem, nil)

	fired := make(chan string, 8)
	const path = "/local/domain/9/value"
	if err := store.SetWatch(path, func(p string) { fired <- p }); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}
	drainInitialEvent(t, fired)

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// No callback may fire after Close returns.
	mem.Write(path, "late")
	select {
	case p := <-fired:
		t.Errorf("watch fired after Close: %q", p)
	case <-time.After(200 * time.Millisecond):
	}

	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// drainInitialEvent consumes the synthetic event fired on watch registration.
func drainInitialEvent(t *testing.T, fired <-chan string) {
	t.Helper()
	select {
	case <-fired:
	case <-time.After(watchWait):
		t.Fatal("no initial watch event")
	}
}
