package libtree

import (
	"time"
)

// DefaultSkip lists the libraries that are part of the base system on about
// every distribution, and aren't worth bundling.
var DefaultSkip = []string{
	"ld-linux.so.2",
	"ld-linux-x86-64.so.2",
	"ld-linux-aarch64.so.1",
	"ld-linux-armhf.so.3",
	"libc.so.6",
	"libdl.so.2",
	"libm.so.6",
	"libpthread.so.0",
	"libresolv.so.2",
	"librt.so.1",
	"libutil.so.1",
	"libgcc_s.so.1",
	"libstdc++.so.6",
	"libGL.so.1",
	"libEGL.so.1",
	"libdrm.so.2",
	"libX11.so.6",
	"libxcb.so.1",
}

// TreeRequest is the struct expected by the trees endpoint.
type TreeRequest struct {
	// Paths of the binaries to walk on the daemon host.
	Paths []string `json:"paths"`
	// Skip replaces the default list of excluded libraries if not empty.
	Skip []string `json:"skip,omitempty"`
	// LDLibraryPath is a colon-separated list of directories, as the
	// environment variable.
	LDLibraryPath string `json:"ld_library_path,omitempty"`
	Verbosity     int    `json:"verbosity,omitempty"`
	MaxDepth      int    `json:"max_depth,omitempty"`
	// Metadata set by the client.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Report as indexed by the server.
type Report struct {
	UID            string            `json:"uid"`
	Date           time.Time         `json:"date"`
	Hostname       string            `json:"hostname"`
	IndexerVersion string            `json:"indexer_version"`
	Inputs         string            `json:"inputs"`
	OK             bool              `json:"ok"`
	Images         int               `json:"images"`
	Missing        string            `json:"missing"`
	MissingCount   int               `json:"missing_count"`
	Metadata       map[string]string `json:"metadata"`
	Size           int64             `json:"size"`
}

// SearchResult is the payload returned by the search endpoint.
type SearchResult struct {
	Results []Report `json:"results"`
	Total   uint64   `json:"total"`
}

// Error type for API return values.
type Error struct {
	Err string `json:"error"`
}
