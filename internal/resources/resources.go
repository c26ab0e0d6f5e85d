// Package resources inspects the host and recommends a safe worker count.
package resources

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/joss/litbatch/internal/logging"
)

const (
	GiB = 1 << 30

	DefaultReservedCores   = 1
	DefaultMemoryPerWorker = 2 * GiB
	// MinFreeDisk is the free space below which Check warns.
	MinFreeDisk = 1 * GiB

	fallbackCores  = 2
	memoryHeadroom = 0.8
)

// Probe reads raw host figures.
type Probe interface {
	PhysicalCores() (int, error)
	LogicalCores() (int, error)
	Memory() (total, available uint64, err error)
	FreeDisk(path string) (uint64, error)
}

type hostProbe struct{}

func (hostProbe) PhysicalCores() (int, error) { return cpu.Counts(false) }
func (hostProbe) LogicalCores() (int, error)  { return cpu.Counts(true) }

func (hostProbe) Memory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

func (hostProbe) FreeDisk(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Snapshot is the host state at one point in time.
type Snapshot struct {
	CPUCores        int    `json:"cpu_cores"`
	LogicalCores    int    `json:"logical_cores"`
	TotalMemory     uint64 `json:"total_memory"`
	AvailableMemory uint64 `json:"available_memory"`
	FreeDisk        uint64 `json:"free_disk"`
	DiskKnown       bool   `json:"disk_known"`
	WorkRoot        string `json:"work_root,omitempty"`
	// Fallback is set when CPU or memory could not be read; Recommend then
	// returns 1.
	Fallback bool     `json:"fallback"`
	Problems []string `json:"problems,omitempty"`
}

// Detector probes the host.
type Detector struct {
	probe    Probe
	workRoot string
	log      *logging.Logger
}

// NewDetector creates a detector that checks free disk under workRoot.
func NewDetector(workRoot string) *Detector {
	return &Detector{probe: hostProbe{}, workRoot: workRoot, log: logging.New("resources")}
}

// WithProbe replaces the host probe.
func (d *Detector) WithProbe(p Probe) *Detector {
	d.probe = p
	return d
}

// Detect never fails. Figures that cannot be read fall back to conservative
// defaults and are listed in Problems.
func (d *Detector) Detect() Snapshot {
	s := Snapshot{WorkRoot: d.workRoot}

	logical, err := d.probe.LogicalCores()
	if err != nil || logical < 1 {
		s.problem("logical cores", err)
		logical = 0
	}
	s.LogicalCores = logical

	physical, err := d.probe.PhysicalCores()
	switch {
	case err == nil && physical > 0:
		s.CPUCores = physical
	case logical > 0:
		// Some platforms only report logical cores.
		s.CPUCores = logical
	default:
		s.problem("cpu cores", err)
		s.CPUCores = fallbackCores
		s.Fallback = true
	}

	total, avail, err := d.probe.Memory()
	if err != nil || total == 0 {
		s.problem("memory", err)
		s.Fallback = true
	} else {
		s.TotalMemory = total
		s.AvailableMemory = avail
	}

	if d.workRoot != "" {
		free, err := d.probe.FreeDisk(d.workRoot)
		if err != nil {
			s.problem("disk", err)
		} else {
			s.FreeDisk = free
			s.DiskKnown = true
		}
	}

	if len(s.Problems) > 0 {
		d.log.Warn("resource_detection_degraded", map[string]interface{}{
			"problems": s.Problems,
			"fallback": s.Fallback,
		}, nil)
	}
	return s
}

func (s *Snapshot) problem(what string, err error) {
	if err == nil {
		err = fmt.Errorf("no value reported")
	}
	s.Problems = append(s.Problems, fmt.Sprintf("%s: %v", what, err))
}

// Recommend returns min(cores-reserved, floor(available*0.8/perWorker)),
// never below 1. A fallback snapshot always recommends 1.
func (s Snapshot) Recommend(reservedCores int, memoryPerWorker uint64) int {
	if s.Fallback {
		return 1
	}
	n := s.CPUCores - reservedCores
	if memoryPerWorker > 0 {
		byMem := int(float64(s.AvailableMemory) * memoryHeadroom / float64(memoryPerWorker))
		if byMem < n {
			n = byMem
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ResourceWarning reports a request that exceeds what the host can safely run.
type ResourceWarning struct {
	Requested   int
	Recommended int
	Reasons     []string
}

func (w *ResourceWarning) Error() string {
	return fmt.Sprintf("resource warning: %s", strings.Join(w.Reasons, "; "))
}

// Check compares a requested worker count against Recommend and free disk.
// It returns nil when nothing needs the operator's attention.
func (s Snapshot) Check(requested, reservedCores int, memoryPerWorker uint64) *ResourceWarning {
	rec := s.Recommend(reservedCores, memoryPerWorker)
	w := &ResourceWarning{Requested: requested, Recommended: rec}

	if requested > rec {
		w.Reasons = append(w.Reasons, fmt.Sprintf("%d workers requested, %d recommended", requested, rec))
	}
	if s.DiskKnown && s.FreeDisk < MinFreeDisk {
		w.Reasons = append(w.Reasons, fmt.Sprintf("only %d MiB free under %s", s.FreeDisk>>20, s.WorkRoot))
	}
	if len(w.Reasons) == 0 {
		return nil
	}
	return w
}
