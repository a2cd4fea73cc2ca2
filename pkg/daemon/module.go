package daemon

import (
	"context"
	"net/http"
)

// Module is a component run by the daemon. Init is called once before
// Start; Start blocks until ctx is cancelled or the module fails, and a
// failing module stops the whole daemon.
type Module interface {
	Name() string
	Init(d *Daemon) error
	RegisterRoutes(mux *http.ServeMux)
	Start(ctx context.Context) error
	Stop() error
}
