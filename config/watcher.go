package config

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"time"

	"go.uber.org/zap"
)

// Watcher polls a file-sourced configuration and rebuilds it when the
// file changes. Every successfully built generation goes to apply; a
// failed rebuild keeps whatever generation is active and logs why.
type Watcher struct {
	path     string
	interval time.Duration
	env      BuildEnv
	apply    func(*Config)
	log      *zap.Logger

	lastMod    time.Time
	lastDigest string
}

// NewWatcher builds a watcher over path. A nil log disables logging.
func NewWatcher(path string, interval time.Duration, env BuildEnv, apply func(*Config), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{path: path, interval: interval, env: env, apply: apply, log: log}
}

// Prime records the provenance of an already-adopted generation so the
// first poll does not rebuild and re-apply it.
func (w *Watcher) Prime(cfg *Config) {
	w.lastDigest = cfg.Digest()
	if st, err := os.Stat(w.path); err == nil {
		w.lastMod = st.ModTime()
	}
}

// Run polls until ctx is done. A non-positive interval disables
// reloading; Run returns immediately.
func (w *Watcher) Run(ctx context.Context) {
	if w.interval <= 0 {
		return
	}
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	st, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config poll failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	if st.ModTime().Equal(w.lastMod) {
		return
	}
	w.lastMod = st.ModTime()

	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config read failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	sum := md5.Sum(raw)
	digest := hex.EncodeToString(sum[:])
	if digest == w.lastDigest {
		w.log.Debug("config file touched but unchanged", zap.String("path", w.path))
		return
	}

	cfg, err := load(ctx, raw, Source{Type: "file", Path: w.path}, w.env)
	if err != nil {
		w.log.Error("config reload failed, keeping the active generation",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.lastDigest = digest
	w.apply(cfg)
	w.log.Info("configuration reloaded",
		zap.String("path", w.path), zap.String("digest", digest))
}
