package collectors

import (
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// EncoderProcess is a running ffmpeg, typically a recorder or a listener
// transcode.
type EncoderProcess struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSMB      uint64  `json:"rssMb"`
	Cmdline    string  `json:"cmdline"`
}

// CollectEncoders lists ffmpeg processes on the host.
func CollectEncoders() ([]EncoderProcess, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var out []EncoderProcess
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || !isEncoder(name) {
			continue
		}
		ep := EncoderProcess{PID: p.Pid}
		if cpu, err := p.CPUPercent(); err == nil {
			ep.CPUPercent = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			ep.RSSMB = mi.RSS / 1024 / 1024
		}
		if cmd, err := p.Cmdline(); err == nil {
			ep.Cmdline = cmd
		}
		out = append(out, ep)
	}
	return out, nil
}

func isEncoder(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	base = strings.TrimSuffix(base, ".exe")
	return base == "ffmpeg"
}
