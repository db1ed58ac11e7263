package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"smartgate/internal/config"
	"smartgate/pkg/logging"
)

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// the HTTP server down gracefully and releases the stores.
//
// When started by systemd with Type=notify, readiness is reported once the
// listener accepts connections, and stopping once shutdown begins.
// Configuration changes on disk are applied without a restart.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.services.Close()

	watcher := config.NewWatcher(a.config.ConfigPath, os.LookupEnv, a.reload)
	if err := watcher.Start(ctx); err != nil {
		logging.Warn("App", "Configuration hot reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	err := a.services.Server.ListenAndServe(ctx, a.services.ListenAddr, func() {
		sdNotify(daemon.SdNotifyReady)
		logging.Info("App", "smartgate ready on %s", a.services.ListenAddr)
	})
	sdNotify(daemon.SdNotifyStopping)
	if err != nil {
		logging.Error("App", err, "HTTP server stopped")
		return err
	}
	logging.Info("App", "Shutdown complete")
	return nil
}

func (a *Application) reload(cfg config.Config) {
	sdNotify(daemon.SdNotifyReloading)
	a.services.Reload(cfg)
	sdNotify(daemon.SdNotifyReady)
}

// sdNotify reports state to systemd. Outside systemd it is a no-op.
func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		logging.Warn("App", "Failed to notify systemd (%s): %v", state, err)
	case sent:
		logging.Debug("App", "Notified systemd: %s", state)
	}
}
