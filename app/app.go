package murmur

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/cors"

	"github.com/putto11262002/murmur/core"
	"github.com/putto11262002/murmur/pkg/router"
	"github.com/putto11262002/murmur/public"
)

type App struct {
	config      *Config
	context     context.Context
	cancel      context.CancelFunc
	server      *http.Server
	listener    net.Listener
	logger      *slog.Logger
	router      *router.Router
	relay       *core.Relay
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	sweeper     *core.Sweeper
	uploads     *core.UploadStore
	staticFS    *StaticFS
	staticFiles fs.FS

	roomHandler *RoomHandler
}

type Option func(*App)

func WithLogger(logger *slog.Logger) Option {
	return func(app *App) {
		app.logger = logger
	}
}

// WithUploadStore replaces the on-disk artifact store.
func WithUploadStore(store *core.UploadStore) Option {
	return func(app *App) {
		app.uploads = store
	}
}

// WithStaticFiles serves pages from fsys instead of the configured static directory.
func WithStaticFiles(fsys fs.FS) Option {
	return func(app *App) {
		app.staticFiles = fsys
	}
}

var defaultCacheControl = map[string]string{
	"*.html": "no-cache",
}

// New wires the relay, the websocket transport and the HTTP routes.
// Nothing is started until Start is called.
func New(config *Config, opts ...Option) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	app := &App{config: config}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = NewLogger(os.Stdout, config.Mode, config.Log.Level)
	}
	app.context, app.cancel = context.WithCancel(context.Background())

	var err error
	if app.uploads == nil {
		app.uploads, err = core.NewDiskUploadStore(config.Uploads.Dir, core.WithUploadLogger(app.logger))
		if err != nil {
			return nil, err
		}
	}

	if app.staticFiles == nil {
		app.staticFiles = public.FS
		if config.Static.Dir != "" {
			app.staticFiles = os.DirFS(config.Static.Dir)
		}
	}
	app.staticFS, err = NewStaticFS(app.staticFiles, IndexPage, defaultCacheControl, RoomPage)
	if err != nil {
		return nil, fmt.Errorf("static files: %w", err)
	}

	app.wsManager = core.NewConnManager(app.context,
		core.WithLogger(app.logger),
		core.WithCheckOrigin(originChecker(config.AllowedOrigins)))

	app.relay, err = core.NewRelay(app.wsManager, core.WithRelayLogger(app.logger))
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	app.eventRouter = core.NewEventRouter(app.wsManager, app.logger)
	app.registerEventHandlers()

	app.sweeper = core.NewSweeper(app.uploads.Fs(),
		core.WithSweepInterval(config.Retention.Interval),
		core.WithMaxAge(config.Retention.MaxAge),
		core.WithSweeperLogger(app.logger))

	app.roomHandler = NewRoomHandler(app.relay, app.uploads, app.staticFS, config, app.logger)

	app.router = router.New(router.WithLogger(app.logger))
	app.roomHandler.RegisterErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	app.router.Router.Get("/ws", app.wsManager.ServeHTTP)

	app.router.Route("/api", func(r *router.Router) {
		r.Get("/create-room", app.roomHandler.CreateRoomHandler)
		r.Post("/upload/{roomId}", app.roomHandler.UploadHandler)
		r.NotFound(app.roomHandler.APINotFoundHandler)
	})

	app.router.Get("/room/{roomId}", app.roomHandler.RoomPageHandler)

	app.router.Router.Handle(core.UploadsRoute+"/*",
		http.StripPrefix(core.UploadsRoute, http.FileServer(app.uploads.FileSystem())))

	app.router.Router.With(app.staticFS.EtagMiddleware()).Mount("/", http.FileServer(app.staticFS))

	app.server = &http.Server{
		Addr:    config.Addr(),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if config.TLSEnabled() {
		app.server.TLSConfig = newTLSConfig()
	}

	return app, nil
}

// Handler returns the root HTTP handler.
func (app *App) Handler() http.Handler {
	return app.router.Router
}

// Relay exposes the relay engine, mostly for inspection.
func (app *App) Relay() *core.Relay {
	return app.relay
}

// startWorkers starts the event dispatch loop and the retention sweeper.
func (app *App) startWorkers() error {
	go app.eventRouter.Listen(app.context)
	if err := app.sweeper.Start(app.context); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	return nil
}

// Start begins listening on the configured address and serves in the background.
// Listen errors are returned; use ShutdownOperations to stop the app.
func (app *App) Start() error {
	ln, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	app.listener = ln

	if err := app.startWorkers(); err != nil {
		ln.Close()
		return err
	}

	go func() {
		var err error
		if app.config.TLSEnabled() {
			err = app.server.ServeTLS(ln, app.config.TLS.Crt, app.config.TLS.Key)
		} else {
			err = app.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error(fmt.Sprintf("server error: %v", err))
		}
	}()

	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, ln.Addr()))
	return nil
}

// Addr returns the address the app listens on once started.
func (app *App) Addr() net.Addr {
	if app.listener == nil {
		return nil
	}
	return app.listener.Addr()
}

// ShutdownOperations returns the named cleanup steps of the app. They may run concurrently.
func (app *App) ShutdownOperations() map[string]gfshutdown.Operation {
	return map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			return app.server.Shutdown(ctx)
		},
		"event-router": func(ctx context.Context) error {
			return app.eventRouter.Close(ctx)
		},
		"sweeper": func(ctx context.Context) error {
			if err := app.sweeper.Stop(ctx); err != nil && !errors.Is(err, core.ErrSweeperStopped) {
				return err
			}
			return nil
		},
		"ws-connections": func(ctx context.Context) error {
			return app.wsManager.Close(ctx)
		},
	}
}

// Shutdown runs every shutdown operation in turn and then releases the app context.
func (app *App) Shutdown(ctx context.Context) error {
	ops := app.ShutdownOperations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := ops[name](ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	app.cancel()
	return errors.Join(errs...)
}
