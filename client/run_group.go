package client

import (
	"log"
	"os"
	"sync"

	"github.com/oklog/run"
)

// RunGroup runs components together. When one of them returns, the others
// are stopped. Components must be added before Run.
type RunGroup struct {
	name     string
	logger   *log.Logger
	members  []RunStop
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRunGroup creates a new group
func NewRunGroup(name string) *RunGroup {
	return &RunGroup{
		name:   name,
		logger: log.New(os.Stderr, name+": ", log.LstdFlags|log.Lmsgprefix),
		stop:   make(chan struct{}),
	}
}

// Add a component to the group
func (g *RunGroup) Add(c RunStop) {
	g.members = append(g.members, c)
}

// Len returns the number of components in the group
func (g *RunGroup) Len() int {
	return len(g.members)
}

// Run blocks until a component returns or the group is stopped. The error
// of the first component to return is returned. An empty group runs until
// stopped.
func (g *RunGroup) Run() error {
	var group run.Group

	for _, m := range g.members {
		group.Add(m.Run, m.Stop)
	}

	group.Add(func() error {
		<-g.stop
		return nil
	}, func(_ error) {
		g.Stop(nil)
	})

	err := group.Run()
	if err != nil {
		g.logger.Println("stopped: ", err)
	}

	return err
}

// Stop every component in the group
func (g *RunGroup) Stop(_ error) {
	g.stopOnce.Do(func() { close(g.stop) })
}
