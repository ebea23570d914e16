package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elwinar/libtree"
)

func (s *service) root(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Write([]byte(s.rootHTML))
}

func (s *service) about(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	write(rw, http.StatusOK, map[string]string{
		"built_at": BuiltAt,
		"commit":   Commit,
		"version":  Version,
		"hostname": s.hostname,
	})
}

// createTree handle the requests for walking binaries. The forest is stored
// as is, and a summary of it is indexed for searching. It exposes prometheus
// metrics for monitoring its activity.
func (s *service) createTree(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	p := &treeProcess{
		index:    s.index,
		log:      s.logger,
		r:        r,
		store:    s.store,
		walker:   s.walker,
		hostname: s.hostname,
	}
	p.init()
	p.read()
	p.walk()
	p.storeForest()
	p.indexReport()
	p.close()

	if p.err != nil {
		s.logger.Error("walking", "uid", p.uid, "err", p.err)
		s.requests.With(prometheus.Labels{"outcome": "error"}).Inc()
		writeError(w, p.status, p.err)
		return
	}

	outcome := "ok"
	if !p.report.OK {
		outcome = "missing"
	}
	s.requests.With(prometheus.Labels{"outcome": outcome}).Inc()

	for source, n := range p.forest.Count() {
		s.resolutions.With(prometheus.Labels{"source": source.String()}).Add(float64(n))
	}

	s.sizes.Observe(datasize.ByteSize(p.report.Size).MBytes())

	write(w, http.StatusOK, p.report)
}

// searchTrees handle the requests to search reports matching a number of
// parameters.
func (s *service) searchTrees(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var err error

	q := r.FormValue("q")
	if len(q) == 0 {
		q = "*"
	}

	sort := r.FormValue("sort")
	if len(sort) == 0 {
		sort = "date"
	}
	switch sort {
	case "date", "hostname", "images", "missing_count", "size":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort field '%s'", sort))
		return
	}

	order := r.FormValue("order")
	if len(order) == 0 {
		order = "desc"
	}
	switch order {
	case "asc", "desc":
		break
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sort order '%s'", order))
		return
	}

	rawSize := r.FormValue("size")
	if len(rawSize) == 0 {
		rawSize = "50"
	}
	size, err := strconv.Atoi(rawSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, wrap(err, "invalid size parameter"))
		return
	}

	rawFrom := r.FormValue("from")
	if len(rawFrom) == 0 {
		rawFrom = "0"
	}
	from, err := strconv.Atoi(rawFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, wrap(err, "invalid from parameter"))
		return
	}

	res, total, err := s.index.Search(q, sort, order, size, from)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	write(w, http.StatusOK, libtree.SearchResult{Results: res, Total: total})
}

// getTree handles the requests to get the forest of a report.
func (s *service) getTree(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	uid := p.ByName("uid")

	exists, err := s.store.ReportExists(uid)
	if err != nil {
		s.logger.Warn("looking up report", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !exists {
		writeError(w, http.StatusNotFound, errors.New(`not found`))
		return
	}

	f, err := s.store.Report(uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("reading report", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// deleteTree handle the request to remove a report.
func (s *service) deleteTree(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	uid := p.ByName("uid")

	report, err := s.index.Find(uid)
	switch err {
	case nil:
		s.cleanupQueue <- report
		w.WriteHeader(http.StatusAccepted)
	case ErrNotFound:
		writeError(w, http.StatusNotFound, errors.New("unknown report"))
	default:
		s.logger.Error("deleting", "uid", uid, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
