package db

import (
	"context"
	"psst/metrics"
	"psst/svc/util"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultCheckpointEvery = 5 * time.Minute
	// a PASSIVE pass that leaves more frames than this escalates to TRUNCATE
	walTruncateFrames = 1000
)

// WALStats is the row returned by PRAGMA wal_checkpoint.
type WALStats struct {
	Busy         bool
	Frames       int
	Checkpointed int
}

// Checkpoint runs one wal_checkpoint in mode (PASSIVE, FULL, RESTART or
// TRUNCATE).
func (s *SQLite) Checkpoint(ctx context.Context, mode string) (WALStats, error) {
	switch mode {
	case "PASSIVE", "FULL", "RESTART", "TRUNCATE":
	default:
		return WALStats{}, errors.Errorf("unknown checkpoint mode %q", mode)
	}
	var st WALStats
	var busy int
	err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&busy, &st.Frames, &st.Checkpointed)
	if err != nil {
		metrics.WALCheckpoints.WithLabelValues(mode, "error").Inc()
		return st, errors.Wrapf(err, "wal_checkpoint(%s)", mode)
	}
	st.Busy = busy != 0
	metrics.WALCheckpoints.WithLabelValues(mode, "ok").Inc()
	return st, nil
}

// QuickCheck runs PRAGMA quick_check and fails on anything but "ok".
func (s *SQLite) QuickCheck(ctx context.Context) error {
	var res string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&res); err != nil {
		return errors.Wrap(err, "quick_check")
	}
	if res != "ok" {
		return errors.Errorf("quick_check: %s", res)
	}
	return nil
}

func (s *SQLite) checkpointCycle(ctx context.Context) {
	st, err := s.Checkpoint(ctx, "PASSIVE")
	if err != nil {
		util.Warn().Err(err).Msg("WAL checkpoint failed")
		return
	}
	util.Debug().Bool("busy", st.Busy).Int("frames", st.Frames).Int("checkpointed", st.Checkpointed).Msg("WAL checkpoint")
	if st.Busy || st.Frames > walTruncateFrames {
		if st, err = s.Checkpoint(ctx, "TRUNCATE"); err != nil {
			util.Warn().Err(err).Msg("WAL truncate failed")
			return
		}
		util.Info().Int("frames", st.Frames).Msg("WAL truncated")
	}
}

// StartWALMaintenance checkpoints the WAL every interval until ctx is done,
// then truncates the log and verifies the file once. It blocks.
func (s *SQLite) StartWALMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultCheckpointEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
			s.checkpointCycle(cctx)
			cancel()
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.Checkpoint(fctx, "TRUNCATE"); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			if err := s.QuickCheck(fctx); err != nil {
				util.Error().Err(err).Msg("database integrity check failed")
			}
			return
		}
	}
}
