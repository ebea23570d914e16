package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/elwinar/libtree"
	"github.com/elwinar/libtree/pkg/conf"
	"github.com/gookit/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/inconshreveable/log15"
	"github.com/klauspost/pgzip"
	"github.com/mattn/go-isatty"
)

var Version = "N/C"

func main() {
	var c client
	c.configure()

	err := c.run()
	if err != nil {
		c.logger.Error("running", "err", err)
		os.Exit(1)
	}
}

type client struct {
	addr         string
	skip         []string
	metadata     map[string]string
	maxDepth     int
	verbosity    int
	search       string
	get          string
	remove       string
	printVersion bool

	paths  []string
	tty    bool
	logger log15.Logger
}

func (c *client) configure() {
	fs := flag.NewFlagSet("libtreectl-"+Version, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of libtreectl: libtreectl [options] path...")
		fs.PrintDefaults()
	}
	fs.StringVar(&c.addr, "addr", "localhost:1106", "address of the libtreed host")
	fs.Var(conf.ListFlag(&c.skip), "skip", "name of a library to skip, replacing the default list of the daemon (repeatable)")
	fs.Var(conf.MapFlag(&c.metadata), "meta", "metadata of the report, as key=value;key=value")
	fs.IntVar(&c.maxDepth, "max-depth", 0, "depth past which libraries aren't expanded (default from the daemon)")
	fs.IntVar(&c.verbosity, "verbosity", 0, "verbosity of the walk (0, 1 or 2)")
	fs.StringVar(&c.search, "search", "", "search the reports matching the query instead of walking")
	fs.StringVar(&c.get, "get", "", "print the forest of the report with this uid instead of walking")
	fs.StringVar(&c.remove, "delete", "", "delete the report with this uid instead of walking")
	fs.BoolVar(&c.printVersion, "version", false, "print the version of libtreectl")
	fs.String("conf", "/etc/libtree/libtreectl.conf", "configuration file to load")
	conf.Parse(fs, "conf")

	if c.printVersion {
		fmt.Println("libtreectl", Version)
		os.Exit(0)
	}

	c.logger = log15.New()
	c.logger.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))
	c.tty = isatty.IsTerminal(os.Stdout.Fd())
	c.paths = fs.Args()

	if c.search == "" && c.get == "" && c.remove == "" && len(c.paths) == 0 {
		fmt.Fprintln(fs.Output(), "no path given")
		fs.Usage()
		os.Exit(2)
	}
}

func (c *client) run() error {
	switch {
	case c.search != "":
		return c.searchReports()
	case c.get != "":
		return c.getForest()
	case c.remove != "":
		return c.deleteReport()
	default:
		return c.walk()
	}
}

// walk asks the daemon to walk the paths, and prints the summary of the
// report.
func (c *client) walk() error {
	req := libtree.TreeRequest{
		Skip:      c.skip,
		MaxDepth:  c.maxDepth,
		Verbosity: c.verbosity,
		Metadata:  c.metadata,
	}
	for _, p := range c.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return wrap(err, "resolving %s", p)
		}
		req.Paths = append(req.Paths, abs)
	}
	if ld := os.Getenv("LD_LIBRARY_PATH"); ld != "" {
		req.LDLibraryPath = ld
	}

	// Compress the request before sending it.
	var body bytes.Buffer
	zw := pgzip.NewWriter(&body)
	err := json.NewEncoder(zw).Encode(req)
	if err != nil {
		return wrap(err, "encoding request")
	}
	err = zw.Close()
	if err != nil {
		return wrap(err, "compressing request")
	}

	r, err := http.NewRequest(http.MethodPost, c.url("/trees", nil), &body)
	if err != nil {
		return wrap(err, "creating request")
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Content-Encoding", "gzip")

	var report libtree.Report
	err = c.do(r, &report)
	if err != nil {
		return err
	}

	c.print(report)
	if !report.OK {
		os.Exit(1)
	}
	return nil
}

func (c *client) searchReports() error {
	r, err := http.NewRequest(http.MethodGet, c.url("/trees", url.Values{"q": {c.search}}), nil)
	if err != nil {
		return wrap(err, "creating request")
	}

	var res libtree.SearchResult
	err = c.do(r, &res)
	if err != nil {
		return err
	}

	for _, report := range res.Results {
		c.print(report)
	}
	fmt.Println(strconv.FormatUint(res.Total, 10), "reports")
	return nil
}

func (c *client) getForest() error {
	r, err := http.NewRequest(http.MethodGet, c.url("/trees/"+url.PathEscape(c.get), nil), nil)
	if err != nil {
		return wrap(err, "creating request")
	}

	var forest json.RawMessage
	err = c.do(r, &forest)
	if err != nil {
		return err
	}

	if !c.tty {
		_, err = os.Stdout.Write(append(forest, '\n'))
		return err
	}

	raw, err := prettyjson.Format(forest)
	if err != nil {
		return wrap(err, "formatting forest")
	}
	fmt.Println(string(raw))
	return nil
}

func (c *client) deleteReport() error {
	r, err := http.NewRequest(http.MethodDelete, c.url("/trees/"+url.PathEscape(c.remove), nil), nil)
	if err != nil {
		return wrap(err, "creating request")
	}

	return c.do(r, nil)
}

// print a one-line summary of the report.
func (c *client) print(r libtree.Report) {
	status := color.Green.Sprint("ok")
	if !r.OK {
		status = color.Red.Sprintf("%d missing: %s", r.MissingCount, r.Missing)
	}
	if !c.tty {
		status = color.ClearCode(status)
	}
	fmt.Printf("%s %s %s %s (%d images) %s\n", r.UID, r.Date.Format("2006-01-02 15:04:05"), r.Hostname, r.Inputs, r.Images, status)
}

func (c *client) url(path string, query url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     c.addr,
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}

// do sends the request and decodes the response into v if it isn't nil.
func (c *client) do(r *http.Request, v interface{}) error {
	c.logger.Debug("sending request", "method", r.Method, "url", r.URL)
	res, err := http.DefaultClient.Do(r)
	if err != nil {
		return wrap(err, "sending request")
	}
	defer func() {
		io.Copy(ioutil.Discard, res.Body)
		res.Body.Close()
	}()

	if res.StatusCode >= 400 {
		var e libtree.Error
		err := json.NewDecoder(res.Body).Decode(&e)
		if err != nil {
			return fmt.Errorf("unexpected status %s", res.Status)
		}
		return fmt.Errorf("%s: %s", res.Status, e.Err)
	}

	if v == nil {
		return nil
	}

	err = json.NewDecoder(res.Body).Decode(v)
	if err != nil {
		return wrap(err, "decoding response")
	}
	return nil
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
