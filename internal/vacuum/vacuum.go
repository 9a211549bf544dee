package vacuum

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SNSystems/pstore-go/pkg/fs"
	"github.com/SNSystems/pstore-go/pstore"
)

// defaultInitialDelay and defaultPollInterval match the original
// implementation's vacuum::initial_delay and vacuum::watch_interval.
const (
	defaultInitialDelay = 10 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Options configures a vacuum run.
type Options struct {
	// Daemon, when true, makes the copy task wait up to InitialDelay before
	// each cycle attempt, giving a just-started or just-touched store time
	// to quiesce before vacuum commits to a copy.
	Daemon bool

	// InitialDelay bounds the daemon-mode pre-copy wait. Zero uses the
	// default of 10s.
	InitialDelay time.Duration

	// PollInterval is the watch task's polling period. Zero uses the
	// default of 500ms.
	PollInterval time.Duration

	// Logger receives structured diagnostics; nil uses the global logger.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}

	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}

	return o
}

// Run vacuums the store at path: it compacts the live set into a fresh
// file and, once a cycle completes without interference, replaces the
// original with it. It runs until one cycle succeeds or a SIGINT/SIGTERM
// arrives, coordinating its copy, watch, and quit tasks exactly as the
// original implementation's three cooperating threads do, through Status.
func Run(fsys fs.FS, path string, opts Options) error {
	opts = opts.withDefaults()

	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	source, err := pstore.Open(fsys, path, pstore.WritableNoCreate, pstore.Options{Logger: opts.Logger})
	if err != nil {
		return fmt.Errorf("vacuum: open source %q: %w", path, err)
	}
	defer source.Close()

	if opts.Daemon {
		source.SetVacuumMode(pstore.VacuumBackground)
	} else {
		source.SetVacuumMode(pstore.VacuumImmediate)
	}

	if cb := source.SharedControl(); cb != nil {
		cb.SetVacuumStartTime(uint64(time.Now().UnixMilli()))
		cb.SetVacuumPID(int32(os.Getpid()))

		defer cb.SetVacuumPID(0)
	}

	status := NewStatus()

	quitStop := make(chan struct{})
	quitFinished := make(chan struct{})

	go func() {
		defer close(quitFinished)
		runQuit(status, quitStop, lg)
	}()

	watchFinished := make(chan struct{})

	go func() {
		defer close(watchFinished)
		runWatch(source.File(), pstore.HeaderSize, status, opts.PollInterval, lg)
	}()

	copyErr := runCopy(fsys, source, path, status, opts, lg)

	status.SetDone(true)
	status.SignalStartWatch()
	<-watchFinished

	close(quitStop)
	<-quitFinished

	return copyErr
}
