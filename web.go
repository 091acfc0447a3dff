package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Seednode/triviabox/internal/content"
	"github.com/Seednode/triviabox/internal/host"
	"github.com/Seednode/triviabox/internal/peer"
	"github.com/Seednode/triviabox/internal/session"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second

	maxGenerateBody = 1 << 20
	qrSize          = 320
)

// controller is the part of a host the web and console surfaces drive.
type controller interface {
	Start(ctx context.Context) error
	Advance(ctx context.Context) error
	State(ctx context.Context) (host.State, error)
}

// forwarder relays raw generation requests for players without a key.
type forwarder interface {
	Forward(ctx context.Context, body []byte) (int, []byte, error)
}

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// baseURL is the origin players pass to play --host, honoring a proxy's
// X-Forwarded-Proto.
func baseURL(cfg *Config, r *http.Request) string {
	scheme := cfg.scheme()
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + cfg.prefix
}

// joinURL is what the QR code points players at.
func joinURL(cfg *Config, r *http.Request) string {
	return baseURL(cfg, r) + "/?room=" + cfg.room
}

func served(logger *zap.Logger, page string, r *http.Request, written int, start time.Time) {
	logger.Debug("served",
		zap.String("page", page),
		zap.Int("bytes", written),
		zap.String("remote", realIP(r)),
		zap.Duration("elapsed", time.Since(start).Round(time.Microsecond)),
	)
}

func serveVersion(cfg *Config, logger *zap.Logger, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("triviabox v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		served(logger, "version", r, written, startTime)
	}
}

func serveState(cfg *Config, h controller, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		st, err := h.State(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(st); err != nil {
			errs <- err
		}
	}
}

// serveControl runs a host transition and answers 409 when the session
// refuses it.
func serveControl(cfg *Config, logger *zap.Logger, action string, fn func(context.Context) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		securityHeaders(cfg, w)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if err := fn(r.Context()); err != nil {
			logger.Info("control rejected", zap.String("action", action), zap.String("remote", realIP(r)), zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		logger.Info("control", zap.String("action", action), zap.String("remote", realIP(r)))
		_, _ = io.WriteString(w, "Ok\n")
	}
}

func serveQR(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		png, err := qrcode.Encode(joinURL(cfg, r), qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		securityHeaders(cfg, w)

		if _, err := w.Write(png); err != nil {
			errs <- err
		}
	}
}

// serveGenerate proxies a generateContent body upstream with the host's key.
func serveGenerate(cfg *Config, fwd forwarder, logger *zap.Logger, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		securityHeaders(cfg, w)

		if fwd == nil {
			http.Error(w, "generation is not configured on this host", http.StatusServiceUnavailable)

			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxGenerateBody+1))
		if err != nil {
			http.Error(w, "could not read request", http.StatusBadRequest)

			return
		}
		if len(body) > maxGenerateBody {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)

			return
		}
		if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "contents").IsArray() {
			http.Error(w, "expected a generateContent request body", http.StatusBadRequest)

			return
		}

		status, upstream, err := fwd.Forward(r.Context(), body)
		switch {
		case errors.Is(err, content.ErrNoEndpoint):
			http.Error(w, "generation is not configured on this host", http.StatusServiceUnavailable)

			return
		case err != nil:
			logger.Warn("generate proxy failed", zap.Error(err))
			http.Error(w, "upstream request failed", http.StatusBadGateway)

			return
		}

		logger.Debug("generate proxied", zap.Int("status", status), zap.String("remote", realIP(r)))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if _, err := w.Write(upstream); err != nil {
			errs <- err
		}
	}
}

func newRouter(cfg *Config, h controller, network *peer.WebSocketNetwork, fwd forwarder, logger *zap.Logger, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		logger.Error("panic", zap.Any("recovered", i), zap.String("path", r.URL.Path))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		_, _ = io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, errs))
	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))
	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))
	mux.GET(cfg.prefix+"/version", serveVersion(cfg, logger, errs))
	mux.GET(cfg.prefix+"/qr", serveQR(cfg, errs))
	mux.GET(cfg.prefix+"/state", serveState(cfg, h, errs))
	mux.POST(cfg.prefix+"/start", serveControl(cfg, logger, "start", h.Start))
	mux.POST(cfg.prefix+"/advance", serveControl(cfg, logger, "advance", h.Advance))
	mux.POST(cfg.prefix+"/api/generate", serveGenerate(cfg, fwd, logger, errs))

	if network != nil {
		mux.GET(cfg.prefix+peer.PeerPath, network.Handler())
	}

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func ServeRoom(ctx context.Context, cfg *Config) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.room == "" {
		cfg.room = session.NewRoomCode(nil)
	}
	logger = logger.With(zap.String("room", cfg.room))
	logger.Info("starting", zap.String("version", releaseVersion))

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []content.Option{content.WithLogger(logger)}
	var fwd forwarder
	if gen := newGenerator(cfg); gen != nil {
		opts = append(opts, content.WithClient(gen))
		fwd = gen
	} else {
		logger.Info("no generation key or proxy configured; using built-in questions")
	}
	source := content.New(st, opts...)

	network := peer.NewWebSocketNetwork("", logger)
	h := host.New(cfg.hostConfig(), network, newResolver(cfg, logger), source, logger)

	errs := make(chan error, 64)
	mux := newRouter(cfg, h, network, fwd, logger, errs)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)),
		Handler:           mux,
		IdleTimeout:       10 * time.Minute,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.Run(gctx)
	})

	g.Go(func() error {
		var err error
		logger.Info("listening", zap.String("url", cfg.scheme()+"://"+srv.Addr+cfg.prefix+"/"))
		if cfg.tlsKey != "" && cfg.tlsCert != "" {
			err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			select {
			case err := <-errs:
				logger.Warn("write failed", zap.Error(err))
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		}
	})

	if cfg.console {
		go func() {
			select {
			case <-h.Ready():
				runConsole(gctx, os.Stdin, os.Stdout, h, logger)
			case <-gctx.Done():
			}
		}()
	}

	err = g.Wait()
	source.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
