package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const portalFormHTML = `<!DOCTYPE html>
<html><head>
<meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Fleet Agent Wi-Fi Setup</title>
</head><body>
<h2>Wi-Fi Setup</h2>
<form method="POST" action="/save">
<label>SSID (Network Name)</label><br>
<input type="text" name="ssid" required maxlength="32" placeholder="Your Wi-Fi network"><br>
<label>Password</label><br>
<input type="password" name="password" maxlength="64" placeholder="Wi-Fi password"><br>
<button type="submit">Connect</button>
</form>
</body></html>`

const portalSuccessHTML = `<!DOCTYPE html>
<html><head>
<meta charset="utf-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Saved</title>
</head><body>
<h2>Credentials Saved</h2>
<p>The device will now connect to your network.</p>
</body></html>`

// portalServer is the embedded provisioning HTTP server. It runs on its own
// listener goroutine while the agent loop is parked in WaitForProvisioning;
// the save handler commits credentials atomically and fires the done signal
// exactly once.
type portalServer struct {
	store  *Store
	apSSID string
	log    logrus.FieldLogger

	srv       *http.Server
	group     *errgroup.Group
	boundAddr string

	done     chan struct{}
	doneOnce sync.Once
}

func newPortalServer(store *Store, addr, apSSID string, log logrus.FieldLogger) *portalServer {
	p := &portalServer{
		store:  store,
		apSSID: apSSID,
		log:    log.WithField("component", "portal"),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", p.handleForm)
	mux.HandleFunc("POST /save", p.handleSave)
	// Captive-portal detection probes hit arbitrary paths; send them home.
	mux.HandleFunc("/", p.handleRedirect)

	p.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return p
}

func (p *portalServer) start() error {
	ln, err := net.Listen("tcp", p.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.srv.Addr, err)
	}

	p.boundAddr = ln.Addr().String()
	p.group = &errgroup.Group{}
	p.group.Go(func() error {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	p.log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"ap_ssid": p.apSSID,
	}).Info("provisioning portal started")
	return nil
}

// wait blocks until a submission lands, the timeout elapses, or the context
// is cancelled. Every exit path is bounded; the portal can never park the
// agent forever.
func (p *portalServer) wait(ctx context.Context, clk clock.Clock, timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-clk.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *portalServer) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down portal: %w", err)
	}
	if p.group != nil {
		if err := p.group.Wait(); err != nil {
			return err
		}
	}
	p.log.Info("provisioning portal stopped")
	return nil
}

func (p *portalServer) handleForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, portalFormHTML)
}

func (p *portalServer) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	ssid := r.PostForm.Get("ssid")
	if ssid == "" {
		http.Error(w, "missing ssid", http.StatusBadRequest)
		return
	}
	password := r.PostForm.Get("password")

	if err := p.store.PutCredentials(r.Context(), Credentials{
		SSID:       ssid,
		Passphrase: password,
	}); err != nil {
		p.log.WithError(err).Error("failed to persist credentials")
		http.Error(w, "failed to save credentials", http.StatusInternalServerError)
		return
	}

	p.log.WithField("ssid", ssid).Info("portal received credentials")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, portalSuccessHTML)

	p.doneOnce.Do(func() { close(p.done) })
}

func (p *portalServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}
