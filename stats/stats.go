// Package stats samples system and process metrics while a run is active
// and sends averaged samples as stats records.
package stats

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runsync/runsync/data"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/exp/maps"
)

// Options for SystemStats
type Options struct {
	// SampleRate is the time between samples
	SampleRate time.Duration
	// SamplesToAverage is the number of samples in each stats record
	SamplesToAverage int
	// Pid is the process whose memory and threads are reported
	Pid int
	// DiskPath is used for disk usage, "/" if not set
	DiskPath string
}

// SystemStats samples metrics every SampleRate and sends a stats record with
// the average of SamplesToAverage samples. It can be stopped and started
// again.
type SystemStats struct {
	opts   Options
	send   func(*data.Record)
	proc   *process.Process
	logger *log.Logger

	lock    sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	netSent uint64
	netRecv uint64
	netInit bool
}

// New returns a SystemStats that calls send with every stats record
func New(o Options, send func(*data.Record)) *SystemStats {
	if o.SampleRate <= 0 {
		o.SampleRate = 2 * time.Second
	}
	if o.SamplesToAverage <= 0 {
		o.SamplesToAverage = 15
	}
	if o.Pid == 0 {
		o.Pid = os.Getpid()
	}
	if o.DiskPath == "" {
		o.DiskPath = "/"
	}

	ss := &SystemStats{
		opts:   o,
		send:   send,
		logger: log.New(os.Stderr, "Stats: ", log.LstdFlags|log.Lmsgprefix),
	}

	p, err := process.NewProcess(int32(o.Pid))
	if err != nil {
		ss.logger.Printf("Error opening process %v: %v", o.Pid, err)
	} else {
		ss.proc = p
	}

	return ss
}

// Start sampling. Calling Start while running does nothing.
func (ss *SystemStats) Start() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if ss.running {
		return
	}

	ss.running = true
	ss.stop = make(chan struct{})
	ss.done = make(chan struct{})

	go ss.run(ss.stop, ss.done)
}

// Shutdown stops sampling and sends the samples collected so far
func (ss *SystemStats) Shutdown() {
	ss.lock.Lock()
	if !ss.running {
		ss.lock.Unlock()
		return
	}
	ss.running = false
	stop, done := ss.stop, ss.done
	ss.lock.Unlock()

	close(stop)
	<-done
}

// Running returns true between Start and Shutdown
func (ss *SystemStats) Running() bool {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.running
}

func (ss *SystemStats) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(ss.opts.SampleRate)
	defer ticker.Stop()

	var samples []map[string]float64

	for {
		select {
		case <-stop:
			if len(samples) > 0 {
				ss.flush(samples)
			}
			return

		case <-ticker.C:
			samples = append(samples, ss.Sample())
			if len(samples) >= ss.opts.SamplesToAverage {
				ss.flush(samples)
				samples = nil
			}
		}
	}
}

// Sample reads the current metrics. Keys are dotted names like
// "proc.memory.rssMB". Metrics that can't be read are left out.
func (ss *SystemStats) Sample() map[string]float64 {
	ret := make(map[string]float64)

	perc, err := cpu.Percent(0, false)
	if err != nil {
		ss.logger.Println("Error reading cpu: ", err)
	} else if len(perc) > 0 {
		ret["cpu"] = perc[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		ss.logger.Println("Error reading memory: ", err)
	} else {
		ret["memory"] = vm.UsedPercent
	}

	u, err := disk.Usage(ss.opts.DiskPath)
	if err != nil {
		ss.logger.Println("Error getting disk usage: ", err)
	} else {
		ret["disk"] = u.UsedPercent
	}

	netio, err := net.IOCounters(false)
	if err != nil {
		ss.logger.Println("Error reading network: ", err)
	} else if len(netio) > 0 {
		if !ss.netInit {
			ss.netSent, ss.netRecv = netio[0].BytesSent, netio[0].BytesRecv
			ss.netInit = true
		}
		ret["network.sent"] = float64(netio[0].BytesSent - ss.netSent)
		ret["network.recv"] = float64(netio[0].BytesRecv - ss.netRecv)
	}

	if ss.proc != nil {
		if memInfo, err := ss.proc.MemoryInfo(); err == nil {
			ret["proc.memory.rssMB"] = float64(memInfo.RSS) / 1024 / 1024
		}
		if memPerc, err := ss.proc.MemoryPercent(); err == nil {
			ret["proc.memory.percent"] = float64(memPerc)
		}
		if threads, err := ss.proc.NumThreads(); err == nil {
			ret["proc.cpu.threads"] = float64(threads)
		}
	}

	return ret
}

// Average combines samples. Network counters are totals since start so the
// latest value is used instead of the mean.
func Average(samples []map[string]float64) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	ret := make(map[string]float64)

	for _, s := range samples {
		for k, v := range s {
			if strings.HasPrefix(k, "network.") {
				ret[k] = v
				continue
			}
			sums[k] += v
			counts[k]++
		}
	}

	for k, v := range sums {
		ret[k] = v / float64(counts[k])
	}

	return ret
}

// Record builds a stats record from averaged metrics
func Record(metrics map[string]float64, ts time.Time) *data.Record {
	keys := maps.Keys(metrics)
	sort.Strings(keys)

	rec := &data.StatsRecord{Type: data.StatsTypeSystem, Timestamp: ts}
	for _, k := range keys {
		j, err := json.Marshal(metrics[k])
		if err != nil {
			continue
		}
		rec.Items = append(rec.Items, data.Item{Key: k, ValueJSON: string(j)})
	}

	return &data.Record{Stats: rec}
}

func (ss *SystemStats) flush(samples []map[string]float64) {
	ss.send(Record(Average(samples), time.Now()))
}
