// Package collectors gathers the host facts tabrelay doctor reports.
package collectors

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type SystemInfo struct {
	Hostname     string        `json:"hostname"`
	OSType       string        `json:"osType"`
	OSVersion    string        `json:"osVersion"`
	Architecture string        `json:"architecture"`
	Uptime       time.Duration `json:"uptime"`
	RAMTotalMB   uint64        `json:"ramTotalMb"`
	RAMPercent   float64       `json:"ramPercent"`
}

// CollectSystemInfo never fails; fields gopsutil cannot read stay empty.
func CollectSystemInfo() *SystemInfo {
	info := &SystemInfo{Architecture: runtime.GOARCH}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.OSType = normalizeOSType(hostInfo.OS)
		info.OSVersion = hostInfo.Platform + " " + hostInfo.PlatformVersion
		info.Uptime = time.Duration(hostInfo.Uptime) * time.Second
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		info.RAMTotalMB = vmem.Total / 1024 / 1024
		info.RAMPercent = vmem.UsedPercent
	}
	return info
}

func normalizeOSType(os string) string {
	if os == "darwin" {
		return "macos"
	}
	return os
}

// DiskUsage describes the filesystem holding a directory.
type DiskUsage struct {
	Path        string  `json:"path"`
	FreeMB      uint64  `json:"freeMb"`
	UsedPercent float64 `json:"usedPercent"`
}

// CollectDiskUsage reports free space for the filesystem containing path.
func CollectDiskUsage(path string) (*DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Path:        path,
		FreeMB:      u.Free / 1024 / 1024,
		UsedPercent: u.UsedPercent,
	}, nil
}
