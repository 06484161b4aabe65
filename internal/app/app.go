// Package app wires the Confidential Storage Core's components into a
// running process, grounded on the teacher's internal/app.App: a single
// struct owning every long-lived dependency, constructed once in New and
// torn down once in Shutdown, with Run blocking until the parent context
// is cancelled.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"coldproxy/pkg/api"
	"coldproxy/pkg/config"
	"coldproxy/pkg/cryptoprim"
	"coldproxy/pkg/encryptor"
	"coldproxy/pkg/keystore"
	"coldproxy/pkg/logger"
	"coldproxy/pkg/ratelimit"
	"coldproxy/pkg/session"
	"coldproxy/pkg/setup"
	"coldproxy/pkg/storage"
	"coldproxy/pkg/unlock"
)

// App owns every long-lived component of the running process. There is no
// process-wide singleton (spec.md §9): App is constructed once by main and
// passed nowhere else.
type App struct {
	cfg *config.Config

	keys    *keystore.Store
	data    *storage.Store
	queue   *storage.WriteQueue
	unlockS *unlock.Service
	setupS  *setup.Service
	sess    *session.Store
	lockout *ratelimit.PINLockout
	enc     *encryptor.Encryptor
	kms     *cryptoprim.KMSBridge

	srv *http.Server

	version, commit, buildDate string
}

// New opens both Pebble stores and constructs every core component,
// wiring them together the way the teacher's App.New wired kms/store/api.
func New(cfg *config.Config, version, commit, buildDate string) (*App, error) {
	keys, err := keystore.Open(cfg.Storage.KeyStorePath)
	if err != nil {
		return nil, fmt.Errorf("app: open key store: %w", err)
	}
	data, err := storage.Open(cfg.Storage.DataPath)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("app: open data store: %w", err)
	}

	// The KMS bridge (pkg/cryptoprim.KMSBridge), when enabled, is built
	// before the Setup/Unlock Services so it can be threaded in as their
	// alternate MK-wrap path: setup.Service.WrapMasterKeyViaKMS and
	// unlock.Service.UnlockWithKMS both need a bridge at construction time.
	var bridge *cryptoprim.KMSBridge
	if cfg.KMS.Enabled {
		b, err := buildKMSBridge(cfg)
		if err != nil {
			keys.Close()
			data.Close()
			return nil, err
		}
		bridge = b
	}

	lockout := ratelimit.NewPINLockout()
	var unlockS *unlock.Service
	var setupS *setup.Service
	if bridge != nil {
		unlockS = unlock.NewWithKMS(keys, lockout, cfg.Unlock.RPID, cfg.Unlock.RPOrigin, bridge)
		setupS = setup.NewWithKMS(keys, bridge)
	} else {
		unlockS = unlock.New(keys, lockout, cfg.Unlock.RPID, cfg.Unlock.RPOrigin)
		setupS = setup.New(keys)
	}
	sess := session.New()

	// The bounded async write queue (spec.md §5) is only built when the
	// host opts in; otherwise every interaction commits synchronously and
	// there is nothing to flush on shutdown.
	var queue *storage.WriteQueue
	var enc *encryptor.Encryptor
	if cfg.Storage.WriteQueue.Async {
		queue = storage.NewWriteQueue(data, cfg.Storage.WriteQueue.Workers)
		enc = encryptor.NewAsync(keys, data, unlockS, queue)
	} else {
		enc = encryptor.New(keys, data, unlockS)
	}

	a := &App{
		cfg:     cfg,
		keys:    keys,
		data:    data,
		queue:   queue,
		unlockS: unlockS,
		setupS:  setupS,
		sess:    sess,
		lockout: lockout,
		enc:     enc,
		kms:     bridge,
		version: version, commit: commit, buildDate: buildDate,
	}

	return a, nil
}

// buildKMSBridge constructs a cryptoprim.KMSBridge wrapping the core's root
// key material, grounded on the teacher's setupKMS but replacing its
// subprocess-launcher model with the in-process go-kms-wrapping
// aead.Wrapper: no child process, no unix-socket handshake.
func buildKMSBridge(cfg *config.Config) (*cryptoprim.KMSBridge, error) {
	var rootKey []byte
	switch {
	case cfg.KMS.RootKeyHex != "":
		rk, err := decodeHexKey(cfg.KMS.RootKeyHex)
		if err != nil {
			return nil, fmt.Errorf("app: kms root key: %w", err)
		}
		rootKey = rk
	case cfg.KMS.RootKeyFile != "":
		rk, err := readHexKeyFile(cfg.KMS.RootKeyFile)
		if err != nil {
			return nil, fmt.Errorf("app: kms root key file: %w", err)
		}
		rootKey = rk
	default:
		return nil, fmt.Errorf("app: kms enabled but no root_key_hex or root_key_file configured")
	}

	bridge, err := cryptoprim.NewKMSBridge(context.Background(), cfg.KMS.KeyID, rootKey)
	cryptoprim.Zeroize(rootKey)
	if err != nil {
		return nil, fmt.Errorf("app: kms bridge: %w", err)
	}
	return bridge, nil
}

func (a *App) closeStores() {
	a.data.Close()
	a.keys.Close()
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails, mirroring the teacher's App.Run orchestration.
func (a *App) Run(ctx context.Context) error {
	logger.Info("app_starting",
		zap.String("version", a.version), zap.String("commit", a.commit), zap.String("build_date", a.buildDate),
		zap.String("addr", a.cfg.Addr()),
	)

	killSwitch := func() bool { return a.cfg.Security.KillSwitch }

	srv := &api.Server{
		Unlock:     a.unlockS,
		Setup:      a.setupS,
		Encryptor:  a.enc,
		Sessions:   a.sess,
		UnlockRL:   ratelimit.UnlockLimiter(),
		ExportRL:   ratelimit.ExportLimiter(),
		KillSwitch: killSwitch,
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Mux())
	mux.Handle("/metrics", promhttp.Handler())

	a.srv = &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.Server.TLS.CertFile != "" && a.cfg.Server.TLS.KeyFile != "" {
			err = a.srv.ListenAndServeTLS(a.cfg.Server.TLS.CertFile, a.cfg.Server.TLS.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server and zeroizes every cached
// Master Key before the process exits (spec.md §5: cancellation must
// never leak key material).
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("app_shutting_down")

	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http_shutdown_error", zap.Error(err))
		}
	}

	a.unlockS.Shutdown()
	if a.queue != nil {
		a.queue.Shutdown()
	}
	a.closeStores()

	return nil
}
