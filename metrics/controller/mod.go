// Package controller implements the initializer serving the Prometheus
// collectors of the daemon.
package controller

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/config"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/metrics"
	"golang.org/x/xerrors"
)

// controller starts the metrics server when an address is configured.
//
// - implements node.Initializer
type controller struct{}

// NewController returns the initializer of the metrics server. It expects the
// configuration to be injected.
func NewController() node.Initializer {
	return controller{}
}

// SetCommands implements node.Initializer.
func (controller) SetCommands(builder node.Builder) {
	cmd := builder.SetCommand("metrics")
	cmd.SetDescription("inspect the metrics server")

	sub := cmd.SetSubCommand("addr")
	sub.SetDescription("print the address of the Prometheus endpoint")
	sub.SetAction(builder.MakeAction(addrAction{}))
}

// OnStart implements node.Initializer. It registers the collectors of the
// packages in a dedicated registry and serves them.
func (controller) OnStart(flags cli.Flags, inj node.Injector) error {
	var cfg *config.Config

	err := inj.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	if cfg.Metrics.Addr == "" {
		ballot.Logger.Info().Msg("metrics are disabled")
		return nil
	}

	registry := prometheus.NewRegistry()

	collectors := append([]prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	}, ballot.PromCollectors...)

	for _, c := range collectors {
		err = registry.Register(c)
		if err != nil {
			return xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	srv := metrics.NewServer(cfg.Metrics.Addr)
	srv.RegisterHandler(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	err = srv.Listen()
	if err != nil {
		return xerrors.Errorf("failed to start server: %v", err)
	}

	inj.Inject(srv)

	return nil
}

// OnStop implements node.Initializer. It stops the server if it was started.
func (controller) OnStop(inj node.Injector) error {
	var srv *metrics.Server

	err := inj.Resolve(&srv)
	if err != nil {
		return nil
	}

	err = srv.Stop()
	if err != nil {
		return xerrors.Errorf("failed to stop server: %v", err)
	}

	return nil
}

// addrAction is an action to print the address of the metrics endpoint.
//
// - implements node.ActionTemplate
type addrAction struct{}

// Execute implements node.ActionTemplate.
func (addrAction) Execute(req node.Context) error {
	var cfg *config.Config

	err := req.Injector.Resolve(&cfg)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	var srv *metrics.Server

	err = req.Injector.Resolve(&srv)
	if err != nil || srv.GetAddr() == nil {
		fmt.Fprint(req.Out, "metrics are disabled")
		return nil
	}

	fmt.Fprintf(req.Out, "http://%s%s", srv.GetAddr(), cfg.Metrics.Path)

	return nil
}
