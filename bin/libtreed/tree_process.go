package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/elwinar/libtree"
	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/render"
	"github.com/elwinar/libtree/pkg/resolve"
	"github.com/elwinar/libtree/pkg/walk"
	"github.com/inconshreveable/log15"
	"github.com/klauspost/pgzip"
	"github.com/rs/xid"
)

// walker holds the part of the walk options that comes from the daemon host.
type walker struct {
	configuredPaths []string
	variables       elfx.Variables
	jobs            int
}

// options returns the walk options for a request.
func (w walker) options(req libtree.TreeRequest, logger log15.Logger) walk.Options {
	opts := walk.Options{
		LDLibraryPath:   resolve.SplitPath(req.LDLibraryPath),
		ConfiguredPaths: w.configuredPaths,
		Skip:            req.Skip,
		Verbosity:       verbosity(req.Verbosity),
		MaxDepth:        req.MaxDepth,
		Variables:       w.variables,
		Jobs:            w.jobs,
		Logger:          logger,
	}
	if len(opts.Skip) == 0 {
		opts.Skip = libtree.DefaultSkip
	}
	return opts
}

// verbosity clamps the verbosity of a request to the known levels.
func verbosity(v int) walk.Verbosity {
	switch {
	case v <= int(walk.None):
		return walk.None
	case v >= int(walk.VeryVerbose):
		return walk.VeryVerbose
	default:
		return walk.Verbosity(v)
	}
}

// treeProcess handles a tree request from the body of the HTTP request to the
// indexed report. Each step is a no-op once an error happened, and status
// holds the HTTP status matching the error.
type treeProcess struct {
	log      log15.Logger
	r        *http.Request
	index    Index
	store    Store
	walker   walker
	hostname string

	err    error
	status int
	uid    string
	req    libtree.TreeRequest
	forest *walk.Forest
	buf    bytes.Buffer
	report libtree.Report
}

func (p *treeProcess) init() {
	p.uid = xid.New().String()
	p.log = p.log.New("uid", p.uid)
	p.status = http.StatusOK
}

func (p *treeProcess) close() {
	io.Copy(ioutil.Discard, p.r.Body)
	p.r.Body.Close()
}

func (p *treeProcess) fail(status int, err error) {
	p.status = status
	p.err = err
}

func (p *treeProcess) read() {
	if p.err != nil {
		return
	}

	var body io.Reader = p.r.Body
	if strings.EqualFold(p.r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := pgzip.NewReader(p.r.Body)
		if err != nil {
			p.fail(http.StatusBadRequest, wrap(err, "preparing gzip reader"))
			return
		}
		defer zr.Close()
		body = zr
	}

	err := json.NewDecoder(body).Decode(&p.req)
	if err != nil {
		p.fail(http.StatusBadRequest, wrap(err, "parsing request"))
		return
	}

	if len(p.req.Paths) == 0 {
		p.fail(http.StatusBadRequest, errors.New("no path given"))
		return
	}
}

func (p *treeProcess) walk() {
	if p.err != nil {
		return
	}

	var inputs []walk.Input
	for _, path := range p.req.Paths {
		inputs = append(inputs, walk.Input{Path: path, Role: walk.RoleFor(path)})
	}

	p.log.Debug("walking", "paths", p.req.Paths)
	forest, err := walk.Walk(inputs, p.walker.options(p.req, p.log))
	var inputErr *walk.InputError
	if errors.As(err, &inputErr) {
		p.fail(http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		p.fail(http.StatusInternalServerError, wrap(err, "walking"))
		return
	}
	p.forest = forest
}

func (p *treeProcess) storeForest() {
	if p.err != nil {
		return
	}

	err := render.JSON(&p.buf, p.forest, false)
	if err != nil {
		p.fail(http.StatusInternalServerError, err)
		return
	}

	p.report.Size, err = p.store.StoreReport(p.uid, &p.buf)
	if err != nil {
		p.fail(http.StatusInternalServerError, wrap(err, "storing report"))
		return
	}
}

func (p *treeProcess) indexReport() {
	if p.err != nil {
		return
	}

	var missing []string
	for _, f := range p.forest.Failures {
		missing = append(missing, f.Needed)
	}

	p.report = libtree.Report{
		UID:            p.uid,
		Date:           time.Now(),
		Hostname:       p.hostname,
		IndexerVersion: Version,
		Inputs:         strings.Join(p.req.Paths, " "),
		OK:             p.forest.OK(),
		Images:         len(p.forest.Nodes),
		Missing:        strings.Join(missing, " "),
		MissingCount:   len(missing),
		Metadata:       p.req.Metadata,
		Size:           p.report.Size,
	}

	err := p.index.Index(p.report)
	if err != nil {
		p.fail(http.StatusInternalServerError, wrap(err, "indexing report"))
		return
	}
}
