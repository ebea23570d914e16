package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/elwinar/libtree"
	"github.com/elwinar/libtree/pkg/conf"
	"github.com/elwinar/libtree/pkg/deploy"
	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/ldconf"
	"github.com/elwinar/libtree/pkg/render"
	"github.com/elwinar/libtree/pkg/resolve"
	"github.com/elwinar/libtree/pkg/walk"
	"github.com/inconshreveable/log15"
	"github.com/mattn/go-isatty"
)

var Version = "N/C"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs libtree with the given arguments, and returns the exit code:
// 0 if every library was found, 1 if one wasn't or something failed, 2 on
// usage errors.
func execute(args []string, stdout, stderr io.Writer) int {
	s := program{
		stdout: stdout,
		stderr: stderr,
	}

	code, ok := s.configure(args)
	if !ok {
		return code
	}

	code, err := s.run()
	if err != nil {
		s.logger.Error("running", "err", err)
	}
	return code
}

type program struct {
	showPaths    bool
	verbose      bool
	veryVerbose  bool
	ldconf       string
	skip         []string
	noSkip       bool
	platform     string
	vars         map[string]string
	maxDepth     int
	jobs         int
	json         bool
	dest         string
	archive      string
	strip        bool
	chrpath      bool
	printVersion bool
	logLevel     string

	paths  []string
	logger log15.Logger
	stdout io.Writer
	stderr io.Writer
}

// configure reads the command line and the configuration file. It returns
// false with the exit code if the program must stop there.
func (s *program) configure(args []string) (int, bool) {
	fs := flag.NewFlagSet("libtree-"+Version, flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage of libtree: libtree [options] binary...")
		fs.PrintDefaults()
	}
	fs.BoolVar(&s.showPaths, "p", false, "print the path of the libraries instead of their name")
	fs.BoolVar(&s.verbose, "v", false, "also print the skipped libraries")
	fs.BoolVar(&s.veryVerbose, "a", false, "print every occurrence of every library")
	fs.StringVar(&s.ldconf, "ldconf", ldconf.DefaultPath, "path of the dynamic linker configuration file")
	fs.Var(conf.ListFlag(&s.skip), "skip", "name of a library to skip, replacing the default list (repeatable)")
	fs.BoolVar(&s.noSkip, "no-skip", false, "don't skip any library")
	fs.StringVar(&s.platform, "platform", "", "value of $PLATFORM (default from the running host)")
	fs.Var(conf.MapFlag(&s.vars), "var", "values of the substitution tokens, as NAME=value;NAME=value")
	fs.IntVar(&s.maxDepth, "max-depth", walk.DefaultMaxDepth, "depth past which libraries aren't expanded")
	fs.IntVar(&s.jobs, "jobs", runtime.NumCPU(), "number of binaries walked concurrently")
	fs.BoolVar(&s.json, "json", false, "print the forest as JSON")
	fs.StringVar(&s.dest, "d", "", "directory to deploy the binaries and their dependencies into")
	fs.StringVar(&s.archive, "archive", "", "path of a compressed cpio archive to bundle the binaries and their dependencies into")
	fs.BoolVar(&s.strip, "strip", false, "strip the deployed files")
	fs.BoolVar(&s.chrpath, "chrpath", false, "rewrite the run path of the deployed files")
	fs.BoolVar(&s.printVersion, "version", false, "print the version of libtree")
	fs.StringVar(&s.logLevel, "log.level", "warn", "level of the logs (debug, info, warn, error, crit)")
	fs.String("conf", "/etc/libtree/libtree.conf", "configuration file to load")
	err := conf.ParseArgs(fs, args, "conf")
	if errors.Is(err, flag.ErrHelp) {
		return 0, false
	}
	if err != nil {
		fmt.Fprintln(fs.Output(), "libtree:", err)
		return 2, false
	}

	if s.printVersion {
		fmt.Fprintln(s.stdout, "libtree", Version)
		return 0, false
	}

	lvl, err := log15.LvlFromString(s.logLevel)
	if err != nil {
		fmt.Fprintln(fs.Output(), "invalid log level:", s.logLevel)
		fs.Usage()
		return 2, false
	}
	s.logger = log15.New()
	s.logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(s.stderr, log15.LogfmtFormat())))

	s.paths = fs.Args()
	if len(s.paths) == 0 {
		fmt.Fprintln(fs.Output(), "no binary given")
		fs.Usage()
		return 2, false
	}

	return 0, true
}

// run walks the binaries, prints the result and deploys it if asked. It
// returns the exit code of the program.
func (s *program) run() (int, error) {
	opts, err := s.options()
	if err != nil {
		return 2, err
	}

	var inputs []walk.Input
	for _, path := range s.paths {
		inputs = append(inputs, walk.Input{Path: path, Role: walk.RoleFor(path)})
	}

	forest, err := walk.Walk(inputs, opts)
	var inputErr *walk.InputError
	if errors.As(err, &inputErr) {
		fmt.Fprintln(s.stderr, "libtree:", inputErr.Err)
		return 1, nil
	}
	if err != nil {
		return 1, err
	}

	tty := isTerminal(s.stdout)
	if s.json {
		err = render.JSON(s.stdout, forest, tty)
	} else {
		err = render.Tree(s.stdout, forest, render.Options{
			ShowPaths: s.showPaths,
			Verbosity: opts.Verbosity,
			Color:     tty,
		})
	}
	if err != nil {
		return 1, wrap(err, "printing forest")
	}

	items := forest.Deployable()
	if s.dest != "" {
		d := deploy.New(s.dest, s.logger)
		d.Strip = s.strip
		d.Chrpath = s.chrpath

		sum, err := d.Deploy(items)
		if err != nil {
			return 1, wrap(err, "deploying to %s", s.dest)
		}
		s.logger.Info("deployed", "dest", s.dest, "files", sum.Files, "links", sum.Links, "size", sum.Bytes.HR())
	}

	if s.archive != "" {
		err := deploy.WriteArchive(s.archive, items)
		if err != nil {
			return 1, wrap(err, "writing archive %s", s.archive)
		}
		s.logger.Info("archived", "path", s.archive, "count", len(items))
	}

	if !forest.OK() {
		return 1, nil
	}
	return 0, nil
}

// options builds the walk options from the configuration and the host.
func (s *program) options() (walk.Options, error) {
	opts := walk.Options{
		LDLibraryPath: resolve.SplitPath(os.Getenv("LD_LIBRARY_PATH")),
		MaxDepth:      s.maxDepth,
		Jobs:          s.jobs,
		Logger:        s.logger,
	}

	switch {
	case s.veryVerbose:
		opts.Verbosity = walk.VeryVerbose
	case s.verbose:
		opts.Verbosity = walk.Verbose
	}

	switch {
	case s.noSkip:
	case len(s.skip) != 0:
		opts.Skip = s.skip
	default:
		opts.Skip = libtree.DefaultSkip
	}

	dirs, err := ldconf.Parse(s.ldconf)
	if errors.Is(err, os.ErrNotExist) && s.ldconf == ldconf.DefaultPath {
		s.logger.Debug("no linker configuration", "path", s.ldconf)
		err = nil
	}
	if err != nil {
		return opts, wrap(err, "reading linker configuration")
	}
	opts.ConfiguredPaths = dirs

	vars, err := elfx.HostVariables()
	if err != nil {
		s.logger.Warn("detecting host", "err", err)
	}
	if s.platform != "" {
		vars.Platform = s.platform
	}
	for k, v := range s.vars {
		switch strings.ToUpper(k) {
		case "LIB":
			vars.Lib = v
		case "PLATFORM":
			vars.Platform = v
		case "OSNAME":
			vars.OSName = v
		case "OSREL":
			vars.OSRelease = v
		default:
			return opts, fmt.Errorf("unknown substitution token %q", k)
		}
	}
	opts.Variables = vars

	return opts, nil
}

// isTerminal reports whether w is a terminal, to decide on colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
