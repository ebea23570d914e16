package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/elwinar/libtree/pkg/auxv"
	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/hokaccha/go-prettyjson"
	"github.com/mattn/go-isatty"
)

// main prints the substitution values detected for the running host, and
// the raw auxiliary vector entries they come from.
func main() {
	vars, err := elfx.HostVariables()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out := struct {
		Variables elfx.Variables    `json:"variables"`
		Auxv      map[string]uint64 `json:"auxv,omitempty"`
	}{
		Variables: vars,
	}

	v, err := auxv.Self()
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading auxiliary vector:", err)
	} else {
		out.Auxv = make(map[string]uint64)
		for t, name := range map[auxv.Type]string{
			auxv.TypePageSize: "pagesz",
			auxv.TypeHWCap:    "hwcap",
			auxv.TypeHWCap2:   "hwcap2",
		} {
			if val, ok := v[t]; ok {
				out.Auxv[name] = uint64(val)
			}
		}
	}

	var raw []byte
	if isatty.IsTerminal(os.Stdout.Fd()) {
		raw, err = prettyjson.Marshal(out)
	} else {
		raw, err = json.Marshal(out)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(raw))
}
