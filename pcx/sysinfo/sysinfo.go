// Package sysinfo snapshots host resource usage for the control plane's
// GET /admin/sysinfo endpoint. Trimmed from the teacher's
// api/system_Info.go SysMonitor — this redirector has no licensed
// features, users, or listen addresses to report, only the host it is
// injected into and the process it runs inside.
package sysinfo

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type Snapshot struct {
	Timestamp int64 `json:"timestamp"`

	Process struct {
		StartedAt int64  `json:"started_at"`
		GoVersion string `json:"go_version"`
		Goroutines int   `json:"goroutines"`
	} `json:"process"`

	Host struct {
		Hostname string `json:"hostname"`
		OS       string `json:"os"`
		Arch     string `json:"arch"`
		Uptime   uint64 `json:"uptime"`
	} `json:"host"`

	CPU struct {
		Cores      int       `json:"cores"`
		UsageTotal float64   `json:"usage_total"`
		Load1      float64   `json:"load1"`
		Load5      float64   `json:"load5"`
		Load15     float64   `json:"load15"`
	} `json:"cpu"`

	Memory struct {
		Total       uint64  `json:"total"`
		Used        uint64  `json:"used"`
		UsedPercent float64 `json:"used_percent"`
	} `json:"memory"`

	NetTotal struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"net_total"`

	Bridges struct {
		Active int `json:"active"`
	} `json:"bridges"`
}

// Monitor is stateless beyond its start time — unlike the teacher's
// rate-sampling SysMonitor, nothing here needs a previous-sample delta
// since per-bridge byte rates are already tracked by pcx/audit.
type Monitor struct {
	mu        sync.Mutex
	startedAt time.Time
	activeFn  func() int
}

// New builds a Monitor. activeFn, if non-nil, reports the current
// registry size for the Bridges.Active field (pcx/registry.Registry.Len).
func New(activeFn func() int) *Monitor {
	return &Monitor{startedAt: time.Now(), activeFn: activeFn}
}

func (m *Monitor) Snapshot() (*Snapshot, error) {
	now := time.Now()

	hi, err := host.Info()
	if err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	ld, _ := load.Avg()
	logical, _ := cpu.Counts(true)
	perCore, _ := cpu.Percent(0, true)

	var usageTotal float64
	if len(perCore) > 0 {
		var sum float64
		for _, v := range perCore {
			sum += v
		}
		usageTotal = sum / float64(len(perCore))
	}

	ifStats, _ := gnet.IOCounters(false)

	s := &Snapshot{Timestamp: now.UnixMilli()}
	s.Process.StartedAt = m.startedAt.UnixMilli()
	s.Process.GoVersion = runtime.Version()
	s.Process.Goroutines = runtime.NumGoroutine()

	s.Host.Hostname = hi.Hostname
	s.Host.OS = hi.OS
	s.Host.Arch = runtime.GOARCH
	s.Host.Uptime = hi.Uptime

	s.CPU.Cores = logical
	s.CPU.UsageTotal = usageTotal
	if ld != nil {
		s.CPU.Load1, s.CPU.Load5, s.CPU.Load15 = ld.Load1, ld.Load5, ld.Load15
	}

	s.Memory.Total = vm.Total
	s.Memory.Used = vm.Used
	s.Memory.UsedPercent = vm.UsedPercent

	if len(ifStats) > 0 {
		s.NetTotal.RxBytes = ifStats[0].BytesRecv
		s.NetTotal.TxBytes = ifStats[0].BytesSent
	}

	if m.activeFn != nil {
		s.Bridges.Active = m.activeFn()
	}

	return s, nil
}
