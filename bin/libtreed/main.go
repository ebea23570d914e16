package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/elwinar/libtree"
	"github.com/elwinar/libtree/pkg/conf"
	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/ldconf"
	"github.com/inconshreveable/log15"
	"github.com/julienschmidt/httprouter"
	gzip "github.com/phyber/negroni-gzip/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/urfave/negroni"
)

var (
	Version = "N/C"
	BuiltAt = "N/C"
	Commit  = "N/C"
)

// main is tasked to bootstrap the service and notify of termination signals.
func main() {
	var s service
	s.configure()

	err := s.init()
	if err != nil {
		s.logger.Crit("initializing", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt)
		<-signals
		cancel()
	}()

	s.run(ctx)
}

type service struct {
	bind         string
	dir          string
	ldconf       string
	jobs         int
	logLevel     string
	printVersion bool

	logger      log15.Logger
	hostname    string
	requests    *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	sizes       prometheus.Histogram
	router      *httprouter.Router
	stack       *negroni.Negroni
	index       Index
	store       Store
	walker      walker

	cleanupQueue chan libtree.Report
	cleanupDone  chan struct{}
	rootHTML     string
}

// configure read and validate the configuration of the service and populate
// the appropriate fields.
func (s *service) configure() {
	fs := flag.NewFlagSet("libtreed-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of libtreed: libtreed [options]")
		fs.PrintDefaults()
	}
	fs.StringVar(&s.bind, "bind", "localhost:1106", "address to listen to")
	fs.StringVar(&s.dir, "dir", "/var/lib/libtreed/", "path of the directory to store the reports into")
	fs.StringVar(&s.ldconf, "ldconf", ldconf.DefaultPath, "path of the dynamic linker configuration file")
	fs.IntVar(&s.jobs, "jobs", runtime.NumCPU(), "number of binaries walked concurrently for a request")
	fs.StringVar(&s.logLevel, "log.level", "info", "level of the logs (debug, info, warn, error, crit)")
	fs.BoolVar(&s.printVersion, "version", false, "print the version of libtreed")
	fs.String("conf", "/etc/libtree/libtreed.conf", "configuration file to load")
	conf.Parse(fs, "conf")
}

// init does the actual bootstraping of the service, once the configuration is
// read. It encompass any start-up task like ensuring the storage directories
// exist, initializing the index if needed, registering the endpoints, etc.
func (s *service) init() (err error) {
	if s.printVersion {
		fmt.Println("libtreed", Version)
		os.Exit(0)
	}

	// Logger
	lvl, err := log15.LvlFromString(s.logLevel)
	if err != nil {
		lvl = log15.LvlInfo
	}
	s.logger = log15.New()
	s.logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stdout, log15.LogfmtFormat())))
	if err != nil {
		s.logger.Warn("invalid log level, using info", "level", s.logLevel)
	}

	s.hostname, err = os.Hostname()
	if err != nil {
		return wrap(err, `reading hostname`)
	}

	// Storage
	s.logger.Debug("initializing store")
	s.store, err = NewFileStore(filepath.Join(s.dir, "reports"))
	if err != nil {
		return wrap(err, `initializing store`)
	}

	// Fulltext Index
	s.logger.Debug("initializing index")
	s.index, err = NewBleveIndex(filepath.Join(s.dir, "index"))
	if err != nil {
		return wrap(err, `initializing index`)
	}

	// Walk context, shared by every request.
	s.logger.Debug("reading linker configuration", "path", s.ldconf)
	dirs, err := ldconf.Parse(s.ldconf)
	if errors.Is(err, os.ErrNotExist) && s.ldconf == ldconf.DefaultPath {
		err = nil
	}
	if err != nil {
		return wrap(err, `reading linker configuration`)
	}

	vars, err := elfx.HostVariables()
	if err != nil {
		s.logger.Warn("detecting host", "err", err)
	}

	s.walker = walker{
		configuredPaths: dirs,
		variables:       vars,
		jobs:            s.jobs,
	}

	// Prometheus metrics
	s.logger.Debug("registering metrics")
	s.metrics()
	prometheus.MustRegister(s.requests, s.resolutions, s.sizes)

	// API Routes
	s.logger.Debug("registering routes")
	s.routes()

	// Cleanup channel and routine.
	s.logger.Debug("starting cleanup queue")
	s.cleanupQueue = make(chan libtree.Report)
	s.cleanupDone = make(chan struct{})
	go func() {
		defer close(s.cleanupDone)
		for r := range s.cleanupQueue {
			s.cleanup(r)
		}
	}()

	return nil
}

// metrics creates the prometheus collectors of the service.
func (s *service) metrics() {
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libtreed_requests_total",
		Help: "number of tree requests received, by outcome",
	}, []string{"outcome"})

	s.resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libtreed_resolutions_total",
		Help: "number of libraries resolved, by search source",
	}, []string{"source"})

	s.sizes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "libtreed_report_size_megabytes",
		Help:    "size of the stored reports",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
}

// routes registers the endpoints and the middleware stack.
func (s *service) routes() {
	s.rootHTML = fmt.Sprintf(rootTemplate, Version)
	s.router = httprouter.New()
	s.router.GET("/", s.root)
	s.router.GET("/about", s.about)
	s.router.POST("/trees", s.createTree)
	s.router.GET("/trees", s.searchTrees)
	s.router.GET("/trees/:uid", s.getTree)
	s.router.DELETE("/trees/:uid", s.deleteTree)
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.stack = negroni.New()
	s.stack.Use(negroni.NewRecovery())
	s.stack.Use(negroni.HandlerFunc(s.logRequest))
	s.stack.Use(cors.Default())
	s.stack.Use(gzip.Gzip(gzip.DefaultCompression))
	s.stack.UseHandler(s.router)
}

// run does the actual running of the service until the context is closed.
func (s *service) run(ctx context.Context) {
	server := &http.Server{
		Addr:    s.bind,
		Handler: s.stack,
	}

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		server.Shutdown(ctx)
	}()

	s.logger.Info("starting", "bind", s.bind)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("closing server", "err", err)
		return
	}

	// Wait for the pending requests, then for the pending cleanups, before
	// closing the index.
	<-shutdown
	close(s.cleanupQueue)
	<-s.cleanupDone

	err = s.index.Close()
	if err != nil {
		s.logger.Error("closing index", "err", err)
	}
	s.logger.Info("stopping")
}

// logRequest is the logging middleware for the HTTP server.
func (s *service) logRequest(rw http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()

	next(rw, r)

	res := rw.(negroni.ResponseWriter)
	s.logger.Info("request",
		"started_at", start,
		"duration", time.Since(start),
		"method", r.Method,
		"path", r.URL.Path,
		"status", res.Status(),
	)
}

// cleanup removes a report from the index and the store.
func (s *service) cleanup(r libtree.Report) {
	p := &cleanupProcess{
		index:  s.index,
		log:    s.logger.New("uid", r.UID),
		store:  s.store,
		report: r,
	}

	p.cleanIndex()
	p.cleanStore()

	if p.err != nil {
		s.logger.Error("cleaning up", "uid", r.UID, "err", p.err)
		return
	}
}

// write a payload and a status to the ResponseWriter.
func write(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	_, _ = w.Write(raw)
}

// write an error and a status to the ResponseWriter.
func writeError(w http.ResponseWriter, status int, err error) {
	write(w, status, libtree.Error{Err: err.Error()})
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}

const rootTemplate = `<!DOCTYPE html>
<html>
<head><title>libtreed</title></head>
<body>
<h1>libtreed %s</h1>
<ul>
<li><code>POST /trees</code> walks the binaries of a request</li>
<li><code>GET /trees?q=</code> searches the reports</li>
<li><code>GET /trees/:uid</code> returns a report's forest</li>
<li><code>DELETE /trees/:uid</code> removes a report</li>
<li><a href="/metrics">/metrics</a></li>
</ul>
</body>
</html>
`
