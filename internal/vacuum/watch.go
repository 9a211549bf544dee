package vacuum

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/SNSystems/pstore-go/internal/storage"
)

// runWatch is the watch task. It blocks until the copy task releases it at
// the start of a cycle, then polls the source at pollInterval, flagging
// status.modified the moment it sees the source's mtime advance or fails to
// momentarily take the exclusive-write lock itself (see canLock) — either is
// proof some other writer touched, or is about to touch, the store since the
// snapshot the copy task is working from.
func runWatch(file storage.File, headerSize int64, status *Status, pollInterval time.Duration, log zerolog.Logger) {
	status.WaitStartWatch()

	if status.Done() {
		return
	}

	status.SetWatchRunning(true)
	defer status.SetWatchRunning(false)

	snapshot, err := file.ModTime()
	if err != nil {
		log.Warn().Err(err).Msg("vacuum watch: stat source")
	}

	for !status.Done() {
		time.Sleep(pollInterval)

		if status.Done() {
			return
		}

		if mt, err := file.ModTime(); err == nil {
			if mt.After(snapshot) {
				status.SetModified(true)
			}

			snapshot = mt
		}

		if !canLock(file, headerSize) {
			status.SetModified(true)
		}
	}
}

// canLock attempts to take and immediately release the exclusive write lock
// without blocking. Failure means some other writer currently holds it —
// a transaction is in flight that could commit and change the source at any
// moment, which the vacuum abort policy treats the same as having already
// missed one.
func canLock(file storage.File, headerSize int64) bool {
	if err := file.Lock(0, headerSize, storage.ExclusiveWrite, storage.NonBlocking); err != nil {
		return false
	}

	file.Unlock(0, headerSize)

	return true
}
