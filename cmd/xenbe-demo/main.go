// Command xenbe-demo runs the backend framework end to end without a
// hypervisor: an in-memory store, an in-process event-channel fabric and an
// in-memory grant mapper stand in for the platform. A scripted frontend walks
// through the full xenbus lifecycle and exchanges one request with a trivial
// echo ring consumer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/al1img/libxenbe/backend"
	"github.com/al1img/libxenbe/config"
	"github.com/al1img/libxenbe/evtchn"
	"github.com/al1img/libxenbe/gnttab"
	"github.com/al1img/libxenbe/xenstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xenbe-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Backend settings file (yaml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	settings := config.Default("vdemo")
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		settings = loaded
	}

	level := settings.SlogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	mem := xenstore.NewMemStore()
	lb := evtchn.NewLoopback()
	mapper := gnttab.NewMemMapper()

	// The handler can fire from the dispatch goroutine before the engine
	// exists, so it goes through an atomic pointer.
	var enginePtr atomic.Pointer[backend.Engine]
	store := xenstore.New(mem, func(err error) {
		slog.Error("store connection lost, shutting down", "err", err)
		if e := enginePtr.Load(); e != nil {
			e.Stop()
		}
	})
	defer store.Close()

	driver := &echoDriver{store: store, mapper: mapper, binder: lb, class: settings.DeviceClass}
	engine := backend.New(store, settings.DeviceClass, driver, backend.Options{
		PollInterval: time.Duration(settings.PollInterval),
	})
	enginePtr.Store(engine)
	if err := engine.Start(); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		defer engine.Stop()
		guest := &scriptedFrontend{
			store:  mem,
			lb:     lb,
			mapper: mapper,
			class:  settings.DeviceClass,
			domID:  3,
			devID:  0,
		}
		return guest.run(ctx)
	})
	group.Go(func() error {
		engine.WaitForFinish()
		return nil
	})
	return group.Wait()
}

// echoDriver builds a handler with an echo ring consumer per frontend.
type echoDriver struct {
	store  *xenstore.Store
	mapper gnttab.Mapper
	binder evtchn.Binder
	class  string
}

func (d *echoDriver) NewFrontend(key backend.Key) (*backend.Handler, error) {
	return backend.NewHandler(key, backend.HandlerConfig{
		Store:       d.store,
		Mapper:      d.mapper,
		Binder:      d.binder,
		Consumer:    &echoConsumer{},
		DeviceClass: d.class,
		Capabilities: map[string]string{
			"versions": "1",
		},
	})
}

// echoConsumer is the simplest possible ring format: the guest writes a
// NUL-terminated request at offset 0, the backend writes the reply at offset
// 2048 and notifies.
type echoConsumer struct {
	ring gnttab.Buffer
	ch   *evtchn.Channel
}

func (c *echoConsumer) Connect(ring gnttab.Buffer, ch *evtchn.Channel) error {
	c.ring = ring
	c.ch = ch
	slog.Info("echo consumer connected", "port", ch.Port())
	return nil
}

func (c *echoConsumer) OnEvent() error {
	buf := make([]byte, 2048)
	if _, err := c.ring.ReadAt(buf, 0); err != nil {
		return err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	request := string(buf[:n])
	slog.Info("echo consumer request", "request", request)

	reply := append([]byte(request), 0)
	if _, err := c.ring.WriteAt(reply, 2048); err != nil {
		return err
	}
	return c.ch.Notify()
}

func (c *echoConsumer) Disconnect() {
	slog.Info("echo consumer disconnected")
	c.ring = nil
	c.ch = nil
}

// scriptedFrontend plays the guest: announce, publish the ring, send one
// request, wait for the reply, close.
type scriptedFrontend struct {
	store  *xenstore.MemStore
	lb     *evtchn.Loopback
	mapper *gnttab.MemMapper
	class  string
	domID  uint32
	devID  uint16
}

func (g *scriptedFrontend) run(ctx context.Context) error {
	path := fmt.Sprintf("/local/domain/%d/device/%s/%d", g.domID, g.class, g.devID)
	const (
		ref  = gnttab.Ref(8)
		port = uint32(11)
	)

	page := make([]byte, gnttab.PageSize)
	if err := g.mapper.Grant(g.domID, ref, page); err != nil {
		return err
	}

	g.store.Write(path+"/state", "1")
	g.store.Write(path+"/ring-ref", fmt.Sprintf("%d", ref))
	g.store.Write(path+"/event-channel", fmt.Sprintf("%d", port))
	g.store.Write(path+"/state", "3")

	ep := g.lb.Guest(g.domID, port)

	copy(page, "hello from dom3\x00")
	if err := ep.Notify(); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("frontend: no reply from backend")
		}
		fired, err := ep.Wait(100 * time.Millisecond)
		if err != nil {
			return err
		}
		if fired {
			break
		}
	}

	n := 2048
	for n < len(page) && page[n] != 0 {
		n++
	}
	slog.Info("frontend got reply", "reply", string(page[2048:n]))

	g.store.Write(path+"/state", "5")
	g.store.Write(path+"/state", "6")
	time.Sleep(200 * time.Millisecond)
	g.store.Remove(path)
	return nil
}
