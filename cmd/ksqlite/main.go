package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/ksqlite/ksqlite-go"
)

type options struct {
	PositionalArgs struct {
		SQL string `positional-arg-name:"sql" description:"statement to run, read from stdin if empty"`
	} `positional-args:"yes" positional-optional:"yes"`

	DB      string   `short:"d" long:"db" env:"KSQLITE_DB" description:"database file or file: uri" default:":memory:"`
	Backend string   `short:"b" long:"backend" env:"KSQLITE_BACKEND" description:"native backend" choice:"modernc" choice:"shared" default:"modernc"`
	Lib     string   `long:"lib" env:"KSQLITE_LIB_PATH" description:"shared sqlite library, implies shared backend"`
	Params  []string `short:"p" long:"param" description:"bind param, value for the next position or key=value (1=10, :name=abc)"`
	Assoc   bool     `short:"a" long:"assoc" description:"print rows as name=value"`
	Version bool     `long:"version" description:"show version"`
	Dbg     bool     `long:"dbg" description:"debug mode"`
}

var revision = "latest"

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Version {
		fmt.Printf("ksqlite %s\n", revision)
		os.Exit(0)
	}
	setupLog(opts.Dbg)

	err := run(opts, os.Stdin, os.Stdout)
	if shutErr := ksqlite.DefaultRegistry().Shutdown(); shutErr != nil {
		log.Printf("[WARN] shutdown: %v", shutErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed, %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, stdin io.Reader, out io.Writer) error {
	query := strings.TrimSpace(opts.PositionalArgs.SQL)
	if query == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("can't read sql from stdin: %w", err)
		}
		query = strings.TrimSpace(string(data))
	}
	if query == "" {
		return fmt.Errorf("no sql to run")
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}

	backend := ksqlite.Modernc()
	if opts.Backend == "shared" || opts.Lib != "" {
		backend = ksqlite.Shared(opts.Lib)
	}
	conn := ksqlite.NewConn(ksqlite.WithBackend(backend), ksqlite.WithLogger(lgr.Default()))
	if err := conn.Open(opts.DB); err != nil {
		return fmt.Errorf("can't open %q: %w", opts.DB, err)
	}
	defer conn.Close()
	log.Printf("[DEBUG] sqlite %s, %s backend, db %s", conn.Version(), backend.Name(), opts.DB)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	rows := 0
	err = conn.Query(query, params, func(ctx *ksqlite.RowContext) error {
		if ctx.Index() == 0 && !opts.Assoc {
			fmt.Fprintln(tw, header(strings.Join(ctx.ColumnNames(), "\t")))
		}
		values := ctx.RowData()
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
			if opts.Assoc {
				cells[i] = header(ctx.ColumnName(i)) + "=" + cells[i]
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
		rows++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	log.Printf("[INFO] %d row(s), %d change(s)", rows, conn.Changes())
	return nil
}

// parseParams turns "--param" values into bind params. A value without a key
// takes the next free position.
func parseParams(raw []string) (ksqlite.Params, error) {
	params := ksqlite.Params{}
	next := 1
	for _, p := range raw {
		key, val, found := strings.Cut(p, "=")
		if !found || !isKey(key) {
			params[ksqlite.Pos(next)] = parseValue(p)
			next++
			continue
		}
		if strings.ContainsAny(key[:1], ":@$") {
			params[ksqlite.Named(key)] = parseValue(val)
			continue
		}
		pos, err := strconv.Atoi(key)
		if err != nil || pos < 1 {
			return nil, fmt.Errorf("bad param position %q", key)
		}
		params[ksqlite.Pos(pos)] = parseValue(val)
		if pos >= next {
			next = pos + 1
		}
	}
	return params, nil
}

func isKey(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsAny(s[:1], ":@$") {
		return len(s) > 1
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

// parseValue infers the type of a command line value: integer, real, NULL or text.
func parseValue(s string) any {
	if strings.EqualFold(s, "null") {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func formatValue(v ksqlite.Value) string {
	switch v.Type() {
	case ksqlite.TypeNull:
		return "NULL"
	case ksqlite.TypeBlob:
		return fmt.Sprintf("x'%x'", v.Bytes())
	}
	return v.String()
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(io.Discard)} // default to discard
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
