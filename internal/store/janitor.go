package store

import (
	"log"

	"github.com/robfig/cron/v3"
)

// Sweeper removes physically expired records from one store.
type Sweeper interface {
	SweepExpired() (int, error)
}

// Janitor periodically sweeps expired records out of the TTL-bearing stores.
// Logical expiry on read keeps stale records invisible between sweeps.
type Janitor struct {
	cron     *cron.Cron
	sweepers map[string]Sweeper
}

func NewJanitor() *Janitor {
	return &Janitor{
		cron:     cron.New(),
		sweepers: make(map[string]Sweeper),
	}
}

func (j *Janitor) Register(name string, s Sweeper) {
	j.sweepers[name] = s
}

func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@hourly", j.sweep)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	for name, s := range j.sweepers {
		removed, err := s.SweepExpired()
		if err != nil {
			log.Printf("janitor: sweep %s failed: %v", name, err)
			continue
		}
		if removed > 0 {
			log.Printf("janitor: removed %d expired %s records", removed, name)
		}
	}
}
