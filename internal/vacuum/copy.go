package vacuum

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/SNSystems/pstore-go/internal/closeutil"
	"github.com/SNSystems/pstore-go/internal/revision"
	"github.com/SNSystems/pstore-go/internal/storage"
	"github.com/SNSystems/pstore-go/pkg/fs"
	"github.com/SNSystems/pstore-go/pstore"

	natomic "github.com/natefinch/atomic"
)

// initialDelayPoll bounds how promptly the daemon-mode startup sleep notices
// a shutdown signal.
const initialDelayPoll = 50 * time.Millisecond

// watchSettlePoll bounds how promptly runCopy notices the watch task has
// finished unwinding after done is set.
const watchSettlePoll = 5 * time.Millisecond

// runCopy is the copy task. It repeats compaction cycles, restarting
// whenever a cycle is aborted by concurrent external activity, until one
// cycle completes and is published, or the run is cancelled first.
func runCopy(fsys fs.FS, source *pstore.Database, sourcePath string, status *Status, opts Options, log zerolog.Logger) error {
	for {
		if opts.Daemon {
			sleepUpToInitialDelay(opts.InitialDelay, status)
		}

		if status.Done() {
			return nil
		}

		committed, err := runOneCycle(fsys, source, sourcePath, status, opts, log)
		if err != nil {
			return err
		}

		if committed {
			return nil
		}

		log.Debug().Msg("vacuum cycle restarting: source modified during copy")
	}
}

func sleepUpToInitialDelay(d time.Duration, status *Status) {
	deadline := time.Now().Add(d)

	for time.Now().Before(deadline) {
		if status.Done() {
			return
		}

		time.Sleep(initialDelayPoll)
	}
}

// runOneCycle attempts one full compaction: sync the source to head, copy
// every live index entry into a fresh ".gc" sibling file under its own
// transaction, and, if nothing external touched the source in the
// meantime, commit and atomically replace the source with it.
//
// It returns (true, nil) once the replacement is durable, (false, nil) if
// the cycle was abandoned because the source was modified (or the run was
// cancelled) partway through, and a non-nil error for anything else, which
// is always fatal to the run; the source is left untouched in every case
// but the first.
func runOneCycle(fsys fs.FS, source *pstore.Database, sourcePath string, status *Status, opts Options, log zerolog.Logger) (bool, error) {
	if err := source.Sync(revision.Head); err != nil {
		return false, fmt.Errorf("vacuum: sync source to head: %w", err)
	}

	status.SetModified(false)
	status.SignalStartWatch()

	dstPath := sourcePath + ".gc"

	dst, err := pstore.Open(fsys, dstPath, pstore.Writable, pstore.Options{Logger: opts.Logger})
	if err != nil {
		return false, fmt.Errorf("vacuum: create destination %q: %w", dstPath, err)
	}

	dst.SetVacuumMode(pstore.VacuumDisabled)

	tx, err := pstore.Begin(dst)
	if err != nil {
		closeutil.Swallow("close aborted destination", dst.Close)
		closeutil.Swallow("remove aborted destination", func() error { return fsys.Remove(dstPath) })

		return false, fmt.Errorf("vacuum: begin destination transaction: %w", err)
	}

	aborted, err := copyLiveIndices(source, tx, status)
	if err != nil {
		closeutil.Swallow("rollback failed copy", tx.Rollback)
		closeutil.Swallow("close aborted destination", dst.Close)
		closeutil.Swallow("remove aborted destination", func() error { return fsys.Remove(dstPath) })

		return false, err
	}

	if aborted {
		closeutil.Swallow("rollback aborted cycle", tx.Rollback)
		closeutil.Swallow("close aborted destination", dst.Close)
		closeutil.Swallow("remove aborted destination", func() error { return fsys.Remove(dstPath) })

		return false, nil
	}

	if err := tx.Commit(); err != nil {
		closeutil.Swallow("close failed destination", dst.Close)
		closeutil.Swallow("remove failed destination", func() error { return fsys.Remove(dstPath) })

		return false, fmt.Errorf("vacuum: commit destination: %w", err)
	}

	if err := dst.Close(); err != nil {
		log.Warn().Err(err).Msg("vacuum: close destination before rename")
	}

	status.SetDone(true)

	for status.WatchRunning() {
		time.Sleep(watchSettlePoll)
	}

	if err := natomic.ReplaceFile(dstPath, sourcePath); err != nil {
		return false, fmt.Errorf("vacuum: replace %q with %q: %w", sourcePath, dstPath, err)
	}

	return true, nil
}

// copyLiveIndices copies every populated index slot's extent from source
// into tx, slot by slot, checking after each one whether the watch task (or
// a shutdown) has aborted the cycle.
func copyLiveIndices(source *pstore.Database, tx *pstore.Transaction, status *Status) (aborted bool, err error) {
	for slot := 0; slot < pstore.NumIndices; slot++ {
		if status.Modified() || status.Done() {
			return true, nil
		}

		ext, ok := source.Index(slot)
		if !ok {
			continue
		}

		data, err := source.Getro(ext.Addr, ext.Size)
		if err != nil {
			return false, fmt.Errorf("vacuum: read source index %d: %w", slot, err)
		}

		newAddr, buf, err := tx.AllocRW(ext.Size, 1)
		if err != nil {
			return false, fmt.Errorf("vacuum: allocate destination index %d: %w", slot, err)
		}

		copy(buf, data)
		tx.SetIndex(slot, storage.Extent{Addr: newAddr, Size: ext.Size})
	}

	return false, nil
}
