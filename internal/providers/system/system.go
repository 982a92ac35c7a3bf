// Package system provides the "system" namespace: static host facts and the
// device state as seen by providers.
package system

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"slices"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/state"
)

// Summariser reports the current device state.
type Summariser interface {
	Summarise() state.Summary
}

// Host reads host facts. The default implementation uses gopsutil.
type Host interface {
	Info(ctx context.Context) (*host.InfoStat, error)
	Uptime(ctx context.Context) (uint64, error)
	CPUCount(ctx context.Context) (int, error)
	Interfaces(ctx context.Context) ([]string, error)
}

type gopsutilHost struct{}

func (gopsutilHost) Info(ctx context.Context) (*host.InfoStat, error) {
	return host.InfoWithContext(ctx)
}

func (gopsutilHost) Uptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

func (gopsutilHost) CPUCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// Interfaces returns the names of interfaces that are up, excluding loopback.
func (gopsutilHost) Interfaces(ctx context.Context) ([]string, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, i := range ifaces {
		if slices.Contains(i.Flags, "loopback") || !slices.Contains(i.Flags, "up") {
			continue
		}
		names = append(names, i.Name)
	}
	return names, nil
}

// Provider serves the system namespace.
type Provider struct {
	*provider.Base

	state Summariser
	host  Host
}

// New creates the system provider. st may be nil, in which case the device
// is assumed awake and online until a lifecycle event says otherwise.
func New(st Summariser, logger *slog.Logger) *Provider {
	return &Provider{
		Base:  provider.NewBase(provider.System, logger),
		state: st,
		host:  gopsutilHost{},
	}
}

// SetHost replaces the host fact reader.
func (p *Provider) SetHost(h Host) {
	p.host = h
}

// Initialise loads static facts and the first dynamic snapshot.
func (p *Provider) Initialise(ctx context.Context, pub provider.Publisher) error {
	p.Attach(pub)

	static := provider.Properties{
		"deviceType":   "desktop",
		"architecture": runtime.GOARCH,
	}
	if info, err := p.host.Info(ctx); err != nil {
		p.Logger().Warn("failed to read host info", "error", err)
		if name, err := os.Hostname(); err == nil {
			static["deviceName"] = name
		}
	} else {
		static["deviceName"] = info.Hostname
		static["systemName"] = info.OS
		static["platform"] = info.Platform
		static["systemVersion"] = info.PlatformVersion
		static["kernelVersion"] = info.KernelVersion
	}
	if n, err := p.host.CPUCount(ctx); err == nil {
		static["processorCount"] = int64(n)
	}
	if err := p.SetStatic(static); err != nil {
		return err
	}

	sleeping, online := false, true
	if p.state != nil {
		s := p.state.Summarise()
		sleeping, online = s.Sleeping, s.NetworkReachable
	}

	dynamic := provider.Properties{
		"isSleeping":         sleeping,
		"isNetworkConnected": online,
	}
	p.fillHostDynamic(ctx, dynamic)
	return p.SetDynamic(dynamic)
}

func (p *Provider) fillHostDynamic(ctx context.Context, d provider.Properties) {
	if up, err := p.host.Uptime(ctx); err == nil {
		d["uptime"] = int64(up)
	}
	if names, err := p.host.Interfaces(ctx); err == nil {
		list := make([]any, 0, len(names))
		for _, n := range names {
			list = append(list, n)
		}
		d["networkInterfaces"] = list
	}
}

func (p *Provider) set(key string, v bool) {
	_ = p.UpdateDynamic(func(d provider.Properties) {
		d[key] = v
	})
}

// refresh reads host facts outside the snapshot lock, then merges them.
func (p *Provider) refresh(ctx context.Context) {
	fresh := provider.Properties{}
	p.fillHostDynamic(ctx, fresh)
	_ = p.UpdateDynamic(func(d provider.Properties) {
		for k, v := range fresh {
			d[k] = v
		}
	})
}

// HandleMessage supports "refresh", which re-reads the host facts and
// returns the dynamic snapshot.
func (p *Provider) HandleMessage(ctx context.Context, msg provider.Message, reply *provider.Reply) {
	switch msg.Function {
	case "refresh":
		p.refresh(ctx)
		reply.Send(p.CurrentData().Dynamic)
	default:
		p.Base.HandleMessage(ctx, msg, reply)
	}
}

func (p *Provider) OnDeviceSleep(context.Context) {
	p.set("isSleeping", true)
}

func (p *Provider) OnDeviceWake(ctx context.Context) {
	p.set("isSleeping", false)
	p.refresh(ctx)
}

func (p *Provider) OnNetworkUp(ctx context.Context) {
	p.set("isNetworkConnected", true)
	p.refresh(ctx)
}

func (p *Provider) OnNetworkDown(context.Context) {
	p.set("isNetworkConnected", false)
}

// OnHourChange refreshes uptime.
func (p *Provider) OnHourChange(ctx context.Context) {
	p.refresh(ctx)
}
