package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dougsteed/wdmclient/access"
	"github.com/dougsteed/wdmclient/client"
	"github.com/dougsteed/wdmclient/config"
	"github.com/dougsteed/wdmclient/events"
	"github.com/dougsteed/wdmclient/exchange"
	"github.com/dougsteed/wdmclient/traits"
)

// Demo trait schema: a settings trait with one leaf property and one
// dictionary property.
const demoProfileID = 0x235A0001

const (
	propBrightness = traits.PropertyPathHandle(2)
	propPresets    = traits.PropertyPathHandle(3)
	propPresetElem = traits.PropertyPathHandle(4)
)

func demoSchema() *traits.StaticSchema {
	return traits.NewStaticSchema(demoProfileID, map[traits.PropertyPathHandle]traits.SchemaNode{
		propBrightness: {Parent: traits.RootPropertyPathHandle, Tag: 1},
		propPresets:    {Parent: traits.RootPropertyPathHandle, Tag: 2, IsDictionary: true},
		propPresetElem: {Parent: propPresets, Tag: 0},
	})
}

func main() {
	// command-line flags (-c, -r, -m)
	configFlag := flag.String("c", "", "Name of the JSON client configuration file")
	rulesFlag := flag.String("r", "", "Optional JSON file with per-trait access rules")
	metricsFlag := flag.String("m", "", "Optional address to serve Prometheus metrics on")
	flag.Parse()

	if *configFlag == "" {
		log.Fatal("Error: Must specify the client configuration file using the -c flag\n")
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatal(err)
	}

	// Access control: allow everything unless a rules file narrows it.
	var acl access.Delegate = access.AllowAll{}
	if *rulesFlag != "" {
		manager := access.NewManager()
		if err := manager.LoadRules(*rulesFlag); err != nil {
			log.Fatal(err)
		}
		acl = manager
	}

	schema := demoSchema()
	catalog := traits.NewBasicCatalog()
	sinks := make(map[traits.TraitDataHandle]*traits.BasicUpdatableSink)
	maxTrait := uint16(0)
	for _, p := range cfg.Paths {
		if p.Trait > maxTrait {
			maxTrait = p.Trait
		}
	}
	for i := uint16(1); i <= maxTrait; i++ {
		sink := traits.NewBasicUpdatableSink(schema)
		h, err := catalog.Add(traits.Address{Resource: 0x1000 + uint64(i), Profile: demoProfileID, Instance: 1}, sink)
		if err != nil {
			log.Fatal(err)
		}
		sinks[h] = sink
	}

	binding := exchange.NewLoopback(cfg.PeerNodeID, exchange.WRMConfig{
		MaxRetrans:            3,
		InitialRetransTimeout: 200 * time.Millisecond,
	})
	pub := newDemoPublisher()
	binding.Publisher = pub.handle

	handler := func(ev events.Event) {
		switch e := ev.(type) {
		case events.SubscribeRequestPrepareNeeded:
			for _, p := range cfg.Paths {
				prop := traits.PropertyPathHandle(p.Property)
				if prop == traits.NullPropertyPathHandle {
					prop = traits.RootPropertyPathHandle
				}
				e.Prepare.Paths = append(e.Prepare.Paths, traits.TraitPath{
					Trait:    traits.TraitDataHandle(p.Trait),
					Property: prop,
				})
			}
		case events.SubscriptionEstablished:
			slog.Info("subscription established", "subscriptionId", fmt.Sprintf("%#x", e.SubscriptionID))
		case events.SubscriptionTerminated:
			slog.Info("subscription terminated", "willRetry", e.WillRetry, "err", e.Reason)
		case events.UpdateComplete:
			slog.Info("update complete", "trait", e.Path.Trait, "property", e.Path.Property, "err", e.Reason)
		case events.NotificationProcessed:
			slog.Info("notification processed")
		}
	}

	cli, err := client.New(binding, client.Options{
		Handler:           handler,
		Catalog:           catalog,
		AccessControl:     acl,
		InactivityTimeout: time.Duration(cfg.InactivityTimeoutMS) * time.Millisecond,
		PathStoreCapacity: cfg.PathStoreCapacity,
		MaxUpdateSize:     cfg.MaxUpdateSize,
	})
	if err != nil {
		log.Fatal(err)
	}
	binding.SetInboundHandler(cli.HandleInbound)

	slog.Info("initiating subscription", "peer", cfg.PeerNodeID)
	cli.InitiateSubscription()
	binding.Pump()

	// Arm automatic resubscription for everything after the first
	// handshake, which the loopback pump drives synchronously.
	if cfg.Resubscribe {
		cli.EnableResubscribe(nil)
	}

	if id, err := cli.SubscriptionID(); err == nil {
		slog.Info("client established", "subscriptionId", fmt.Sprintf("%#x", id), "state", cli.State().String())
	}

	// Mutate a property on every sink and push the updates back.
	for h, sink := range sinks {
		sink.SetValue(propBrightness, 42)
		if err := cli.SetUpdated(sink, propBrightness, sink.IsVersionValid()); err != nil {
			slog.Error("set updated failed", "trait", h, "err", err)
		}
	}
	if err := cli.FlushUpdate(); err != nil {
		slog.Error("flush failed", "err", err)
	}
	binding.Pump()

	if *metricsFlag != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := http.Server{Addr: *metricsFlag, Handler: mux}

		// signal.Notify requires the channel to be buffered
		ctrlc := make(chan os.Signal, 1)
		signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-ctrlc
			server.Close()
		}()

		slog.Info("serving metrics", "addr", *metricsFlag)
		err = server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server closed", "error", err)
		}
	}

	if err := cli.EndSubscription(); err != nil {
		slog.Error("end subscription failed", "err", err)
	}
	binding.Pump()
	cli.Free()
	slog.Info("done", "state", cli.State().String())
}
