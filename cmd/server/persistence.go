package server

import (
	"context"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
)

// Save snapshots every tank to the configured prefix. reason is only logged.
func (s *Server) Save(ctx context.Context, reason string) (int, error) {
	s.saveLock.Lock()
	defer s.saveLock.Unlock()

	n, err := s.registry.SaveAll(ctx, s.cfg.Storage.Prefix)
	if err != nil {
		s.log.Error("save failed", zap.String("reason", reason), zap.Error(err))
		return 0, err
	}
	s.log.Debug("save complete", zap.String("reason", reason), zap.Int("tanks", n))
	return n, nil
}

// autosave saves on a fixed interval until ctx is done. A non-positive
// interval disables it.
func (s *Server) autosave(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are logged by Save; the next tick retries.
			_, _ = s.Save(ctx, "autosave")
		}
	}
}

// HandleSignals saves on every save signal (SIGUSR1 where supported) until
// ctx is done.
func (s *Server) HandleSignals(ctx context.Context) {
	sigs := saveSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			s.log.Info("save signal received", zap.String("signal", sig.String()))
			_, _ = s.Save(ctx, "signal")
		}
	}
}
