package components

import (
	"context"
	"runtime"

	"github.com/itskum47/hostforge/hostd/framework"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats is a point-in-time view of host load.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	CPUs       int     `json:"cpus"`
	MemTotal   uint64  `json:"mem_total"`
	MemUsed    uint64  `json:"mem_used"`
	MemPercent float64 `json:"mem_percent"`
	Load1      float64 `json:"load1"`
	Load5      float64 `json:"load5"`
	Load15     float64 `json:"load15"`
	Uptime     uint64  `json:"uptime"`
	Hostname   string  `json:"hostname"`
	Platform   string  `json:"platform"`
	Kernel     string  `json:"kernel"`
}

// Sysstats reports host statistics. It holds no state, so calls may overlap.
type Sysstats struct {
	framework.Base

	cpuPercent func(ctx context.Context) (float64, error)
	memory     func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	loadAvg    func(ctx context.Context) (*load.AvgStat, error)
	hostInfo   func(ctx context.Context) (*host.InfoStat, error)
}

func NewSysstats() *Sysstats {
	return &Sysstats{
		cpuPercent: func(ctx context.Context) (float64, error) {
			p, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(p) == 0 {
				return 0, err
			}
			return p[0], nil
		},
		memory:   mem.VirtualMemoryWithContext,
		loadAvg:  load.AvgWithContext,
		hostInfo: host.InfoWithContext,
	}
}

func (s *Sysstats) Name() string { return NameSysstats }

func (s *Sysstats) ConcurrentSafe() {}

// Snapshot collects the current statistics.
func (s *Sysstats) Snapshot(ctx context.Context) (Stats, error) {
	st := Stats{CPUs: runtime.NumCPU()}
	var err error
	if st.CPUPercent, err = s.cpuPercent(ctx); err != nil {
		return st, err
	}
	vm, err := s.memory(ctx)
	if err != nil {
		return st, err
	}
	st.MemTotal, st.MemUsed, st.MemPercent = vm.Total, vm.Used, vm.UsedPercent

	avg, err := s.loadAvg(ctx)
	if err != nil {
		return st, err
	}
	st.Load1, st.Load5, st.Load15 = avg.Load1, avg.Load5, avg.Load15

	info, err := s.hostInfo(ctx)
	if err != nil {
		return st, err
	}
	st.Uptime, st.Hostname, st.Platform, st.Kernel = info.Uptime, info.Hostname, info.Platform, info.KernelVersion
	return st, nil
}

func (s *Sysstats) Methods() framework.MethodTable {
	return framework.MethodTable{
		"snapshot": func(ctx context.Context, _ framework.Args) (interface{}, error) {
			return s.Snapshot(ctx)
		},
	}
}
