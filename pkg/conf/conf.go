// Package conf overlays a configuration file on top of a flag.FlagSet, so the
// binaries of the module can be configured system-wide (search paths, skip
// lists, log levels) while the command line keeps the last word.
package conf

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Parse the given FlagSet using the command line and the file pointed by the
// conf flag value.
//
// The file holds one `name = value` setting per line. Empty lines and lines
// starting with a # are ignored, leading dashes on names are allowed, and a
// name alone sets a boolean flag to true. Quoted values are unquoted.
// The priority order is command line, conf file, then default value. A missing
// file is only an error if the conf flag was given explicitly.
func Parse(fs *flag.FlagSet, conf string) {
	err := parse(fs, os.Args[1:], conf)
	if err == nil {
		return
	}

	fmt.Fprintln(fs.Output(), err)
	fs.Usage()
	switch fs.ErrorHandling() {
	case flag.ContinueOnError:
		return
	case flag.ExitOnError:
		os.Exit(2)
	case flag.PanicOnError:
		panic(err)
	}
}

// ParseArgs is Parse over the given arguments, returning the error instead of
// handling it. A -h flag gives flag.ErrHelp.
func ParseArgs(fs *flag.FlagSet, args []string, conf string) error {
	return parse(fs, args, conf)
}

func parse(fs *flag.FlagSet, args []string, conf string) error {
	if fs == nil {
		return errors.New(`nil flagset`)
	}

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if conf == "" {
		return nil
	}

	// Visit only walks the flags that were actually set.
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	f := fs.Lookup(conf)
	if f == nil {
		return fmt.Errorf("configuration flag %q not found", conf)
	}

	path, ok := f.Value.(flag.Getter).Get().(string)
	if !ok {
		return fmt.Errorf("non-string configuration flag %q given", conf)
	}

	settings, err := load(path)
	if errors.Is(err, os.ErrNotExist) && !explicit[conf] {
		return nil
	}
	if err != nil {
		return err
	}

	for _, s := range settings {
		if explicit[s.name] {
			continue
		}

		err := fs.Set(s.name, s.value)
		if err != nil {
			return fmt.Errorf("%s:%d: setting flag %q to %q: %w", path, s.line, s.name, s.value, err)
		}
	}

	return nil
}

// setting is a single line of a configuration file.
type setting struct {
	line  int
	name  string
	value string
}

// load reads the settings of a configuration file in order.
func load(path string) ([]setting, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration file: %w", err)
	}
	defer file.Close()

	var settings []setting
	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, found := strings.Cut(strings.TrimLeft(line, "-"), "=")
		if !found {
			value = "true"
		}

		s := setting{
			line:  n,
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
		}
		if s.name == "" {
			return nil, fmt.Errorf("%s:%d: missing flag name", path, n)
		}

		if strings.HasPrefix(s.value, `"`) {
			s.value, err = strconv.Unquote(s.value)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: unquoting value for %q: %w", path, n, s.name, err)
			}
		}

		settings = append(settings, s)
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}

	return settings, nil
}

// MapFlag returns a flag.Value that will be parsed into the given map. Raw
// flag values are split on ';' to separate multiple pairs, and on the first
// '=' to separate the name from the value. A name without a value maps to the
// empty string. There is no escaping.
func MapFlag(m *map[string]string) *mapFlag {
	if *m == nil {
		*m = make(map[string]string)
	}
	return &mapFlag{
		m: *m,
	}
}

type mapFlag struct {
	m map[string]string
}

// String returns the pairs sorted by name, in the format Set accepts.
func (f *mapFlag) String() string {
	if f == nil || len(f.m) == 0 {
		return ""
	}

	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + f.m[name]
	}
	return strings.Join(pairs, ";")
}

func (f *mapFlag) Set(raw string) error {
	for _, pair := range strings.Split(raw, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}

		name, value, _ := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("missing name in %q", pair)
		}
		f.m[name] = value
	}
	return nil
}

// ListFlag returns a flag.Value that will append to the given slice. The flag
// can be repeated, and each raw value is also split on ',' so a single line of
// the configuration file can hold several items. Empty items are dropped.
func ListFlag(l *[]string) *listFlag {
	return &listFlag{
		l: l,
	}
}

type listFlag struct {
	l *[]string
}

func (f *listFlag) String() string {
	if f == nil || f.l == nil {
		return ""
	}
	return strings.Join(*f.l, ",")
}

func (f *listFlag) Set(raw string) error {
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		*f.l = append(*f.l, item)
	}
	return nil
}
