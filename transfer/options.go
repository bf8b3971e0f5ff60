// SPDX-License-Identifier: MPL-2.0

package transfer

import "time"

// Progress is the per-tick snapshot §4.6 requires callers be able to
// observe during a transfer.
type Progress struct {
	TotalFiles       int
	CompletedFiles   int
	TotalBytes       int64
	TransferredBytes int64
	CurrentFile      string
	Speed            float64 // bytes/sec, best-effort.
}

// ProgressFunc receives Progress updates as a transfer proceeds.
type ProgressFunc func(Progress)

// Options configures one Copy/Move/Sync call.
type Options struct {
	Recursive           bool
	Overwrite           bool
	PreserveMode        bool
	PreserveTimestamps  bool
	FollowSymlinks      bool
	Include             []string
	Exclude             []string
	Compress            bool
	Concurrency         int
	OnProgress          ProgressFunc
	// DeleteExtra makes the destination mirror the source exactly,
	// deleting files present at dst but absent from src. Set by Sync.
	DeleteExtra bool
}

func (o Options) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 5
}

// Stats is Copy/Move/Sync's result record (§4.6, §8's transfer-matrix
// property): the operation never throws on a partial failure, it
// resolves with Success=false and the accumulated Errors instead.
type Stats struct {
	Success          bool
	FilesTransferred int
	BytesTransferred int64
	Errors           []error
	Duration         time.Duration
}

func (s *Stats) fail(err error) {
	s.Success = false
	s.Errors = append(s.Errors, err)
}
