package webdav

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"rig-shutter/pkg/utils"
)

// Mounts of the recording paths.
const (
	PrimaryPrefix   = "/primary"
	SecondaryPrefix = "/secondary"
)

type Webdav struct {
	lock   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	port   int
}

func New(ctx context.Context, port int) *Webdav {
	return &Webdav{
		ctx:  ctx,
		port: port,
	}
}

// Start serves dirs until Stop. It reports false when already running.
func (w *Webdav) Start(dirs [2]string) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel != nil {
		return false
	}
	newCtx, cancel := context.WithCancel(w.ctx)
	w.cancel = cancel
	Serve(newCtx, w.port, dirs)
	return true
}

// Stop reports false when the service was not running.
func (w *Webdav) Stop() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel == nil {
		return false
	}
	w.cancel()
	w.cancel = nil
	return true
}

func (w *Webdav) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.cancel != nil
}

func (w *Webdav) Port() int {
	return w.port
}

// Handler mounts dirs[0] under PrimaryPrefix and dirs[1], when set, under
// SecondaryPrefix.
func Handler(dirs [2]string) http.Handler {
	logger := utils.GetLogger()
	mux := http.NewServeMux()
	for i, prefix := range []string{PrimaryPrefix, SecondaryPrefix} {
		if dirs[i] == "" {
			continue
		}
		mux.Handle(prefix+"/", &webdav.Handler{
			Prefix:     prefix,
			FileSystem: webdav.Dir(dirs[i]),
			LockSystem: webdav.NewMemLS(),
			Logger: func(r *http.Request, err error) {
				if err != nil {
					logger.Errorf("WEBDAV [%s]: %s, err: %s", r.Method, r.URL, err)
				}
			},
		})
	}
	return mux
}

func Serve(ctx context.Context, port int, dirs [2]string) {
	logger := utils.GetLogger()

	svr := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: Handler(dirs),
	}

	go func() {
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("webdav server err: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svr.Shutdown(srcCtx); err != nil {
			logger.Errorf("shutdown webdav server err: %s", err)
		}
	}()
}
