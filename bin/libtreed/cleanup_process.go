package main

import (
	"errors"
	"os"

	"github.com/elwinar/libtree"
	"github.com/inconshreveable/log15"
)

type cleanupProcess struct {
	index  Index
	log    log15.Logger
	store  Store
	report libtree.Report

	err error
}

func (p *cleanupProcess) cleanIndex() {
	if p.err != nil {
		return
	}

	p.log.Debug("cleaning index")
	err := p.index.Delete(p.report.UID)
	if err != nil {
		p.err = wrap(err, `removing indexed document`)
		return
	}
}

func (p *cleanupProcess) cleanStore() {
	if p.err != nil {
		return
	}

	p.log.Debug("cleaning store")
	err := p.store.DeleteReport(p.report.UID)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		p.err = wrap(err, `removing report file`)
		return
	}
}
