package gateway

import (
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"
	"lumentree/pkg/utils/uuidutil"
)

type Option func(*Manager)

// WithID fixes the gateway id instead of generating one per process.
func WithID(id string) Option {
	return func(m *Manager) {
		if len(id) > 0 {
			m.gatewayMeta.ID = id
		}
	}
}

func WithDiskPath(path string) Option {
	return func(m *Manager) {
		m.diskPath = path
	}
}

type Manager struct {
	gatewayMeta *GatewayMeta
	diskPath    string

	cpuPercent func() ([]float64, error)
	memUsage   func() (*mem.VirtualMemoryStat, error)
	diskUsage  func(path string) (*disk.UsageStat, error)
}

func NewGatewayManager(opts ...Option) *Manager {
	m := &Manager{
		gatewayMeta: &GatewayMeta{
			Name:      defaultName,
			ID:        uuidutil.UUID(),
			StartedAt: time.Now(),
		},
		diskPath: "/",
		cpuPercent: func() ([]float64, error) {
			return cpu.Percent(0, true)
		},
		memUsage:  mem.VirtualMemory,
		diskUsage: disk.Usage,
	}
	for _, opt := range opts {
		opt(m)
	}
	klog.V(1).InfoS("Gateway ready", "gatewayId", m.gatewayMeta.ID)
	return m
}

func (m *Manager) GetGatewayMeta() *GatewayMeta {
	return m.gatewayMeta
}

func (m *Manager) getGatewayCpu() ([]string, error) {
	percents, err := m.cpuPercent()
	if err != nil {
		klog.V(2).InfoS("Failed to read cpu usage", "error", err)
		return nil, err
	}
	cpus := make([]string, 0, len(percents))
	for _, p := range percents {
		cpus = append(cpus, formatPercent(p))
	}
	return cpus, nil
}

func (m *Manager) getGatewayMem() (*MemUsageInfo, error) {
	v, err := m.memUsage()
	if err != nil {
		klog.V(2).InfoS("Failed to read memory usage", "error", err)
		return nil, err
	}
	return &MemUsageInfo{
		Total:       strconv.FormatUint(v.Total, 10),
		Used:        strconv.FormatUint(v.Used, 10),
		UsedPercent: formatPercent(v.UsedPercent),
	}, nil
}

func (m *Manager) getGatewayDisk() (*DiskUsageInfo, error) {
	u, err := m.diskUsage(m.diskPath)
	if err != nil {
		klog.V(2).InfoS("Failed to read disk usage", "path", m.diskPath, "error", err)
		return nil, err
	}
	return &DiskUsageInfo{
		Total:       strconv.FormatUint(u.Total, 10),
		Used:        strconv.FormatUint(u.Used, 10),
		UsedPercent: formatPercent(u.UsedPercent),
	}, nil
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
