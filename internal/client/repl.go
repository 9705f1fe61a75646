package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vectank.org/vectank-server/internal/errs"
	"github.com/vectank.org/vectank-server/internal/models"
)

const (
	green = "\033[32m"
	red   = "\033[31m"
	cyan  = "\033[36m"
	reset = "\033[0m"
)

const replHelp = `Commands:
  tanks                                      List tanks
  use <tank>                                 Target <tank> in later commands ("" = server default)
  create <name> <dim> [dtype] [method] [cap] Create a tank
  info [tank]                                Describe a tank
  drop <tank>                                Delete a tank
  add <vector> [metadata-json]               Add a vector, e.g. add 1,0,0 {"tag":"a"}
  get <key>                                  Show a stored vector
  update <key> <vector|-> [metadata-json]    Replace the vector and/or metadata
  del <key> [key...]                         Delete vectors (all or none)
  search <vector> [k] [method]               Find the k most similar vectors
  filter <metadata-json>                     Keys whose metadata matches every field
  clear                                      Remove every vector from the tank
  save [prefix] | load [prefix]              Snapshot to or restore from disk
  shutdown                                   Save and stop the server
  help | exit | quit`

// REPL is an interactive shell over a Client.
type REPL struct {
	client *Client
	in     *bufio.Reader
	out    io.Writer
	color  bool
	tank   string
}

func NewREPL(c *Client, in io.Reader, out io.Writer, color bool) *REPL {
	return &REPL{client: c, in: bufio.NewReader(in), out: out, color: color}
}

// Run reads commands until exit, shutdown, or end of input.
func (r *REPL) Run(ctx context.Context) error {
	for {
		fmt.Fprintf(r.out, "[%s]> ", r.tank)
		line, err := r.in.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			quit, execErr := r.Exec(ctx, line)
			if execErr != nil {
				r.printError(execErr)
			}
			if quit {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exec runs one command line. quit reports whether the session should end.
func (r *REPL) Exec(ctx context.Context, line string) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd = strings.ToLower(cmd); cmd {
	case "exit", "quit":
		fmt.Fprintln(r.out, "Goodbye!")
		return true, nil
	case "help":
		fmt.Fprintln(r.out, replHelp)
	case "use":
		r.tank = rest
	case "tanks":
		tanks, err := r.client.ListTanks(ctx)
		if err != nil {
			return false, err
		}
		r.printResult(tanks)
	case "create":
		return false, r.create(ctx, args)
	case "info":
		info, err := r.client.GetTankInfo(ctx, r.target(rest))
		if err != nil {
			return false, err
		}
		r.printResult(info)
	case "drop":
		if rest == "" {
			return false, usage("drop <tank>")
		}
		if err := r.client.DeleteTank(ctx, rest); err != nil {
			return false, err
		}
		if r.tank == rest {
			r.tank = ""
		}
		r.printOK()
	case "add":
		return false, r.add(ctx, rest)
	case "get":
		if len(args) != 1 {
			return false, usage("get <key>")
		}
		rec, err := r.client.GetVector(ctx, r.tank, args[0])
		if err != nil {
			return false, err
		}
		r.printResult(rec)
	case "update":
		return false, r.update(ctx, rest)
	case "del":
		if len(args) == 0 {
			return false, usage("del <key> [key...]")
		}
		if len(args) == 1 {
			err = r.client.DeleteVector(ctx, r.tank, args[0])
		} else {
			err = r.client.DeleteVectors(ctx, r.tank, args)
		}
		if err != nil {
			return false, err
		}
		r.printOK()
	case "search":
		return false, r.search(ctx, args)
	case "filter":
		cond, err := parseMetadata(rest)
		if err != nil {
			return false, err
		}
		keys, err := r.client.Filter(ctx, r.tank, cond)
		if err != nil {
			return false, err
		}
		r.printResult(keys)
	case "clear":
		if err := r.client.ClearTank(ctx, r.tank); err != nil {
			return false, err
		}
		r.printOK()
	case "save", "load":
		var res models.PersistResult
		if cmd == "save" {
			res, err = r.client.Save(ctx, rest)
		} else {
			res, err = r.client.Load(ctx, rest)
		}
		if err != nil {
			return false, err
		}
		r.printResult(res)
	case "shutdown":
		if err := r.client.Shutdown(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Server is shutting down.")
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown command %q, try help", errs.ErrInvalidRequest, cmd)
	}
	return false, nil
}

// target prefers an explicit tank argument over the one selected with use.
func (r *REPL) target(arg string) string {
	if arg != "" {
		return arg
	}
	return r.tank
}

func (r *REPL) create(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 5 {
		return usage("create <name> <dim> [dtype] [method] [capacity]")
	}
	dim, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: dimension %q", errs.ErrInvalidDimension, args[1])
	}
	spec := TankSpec{Name: args[0], Dimension: dim}
	if len(args) > 2 {
		spec.DType = args[2]
	}
	if len(args) > 3 {
		spec.Method = args[3]
	}
	if len(args) > 4 {
		if spec.Capacity, err = strconv.Atoi(args[4]); err != nil {
			return fmt.Errorf("%w: capacity %q", errs.ErrInvalidRequest, args[4])
		}
	}
	info, err := r.client.CreateTank(ctx, spec)
	if err != nil {
		return err
	}
	r.printResult(info)
	return nil
}

func (r *REPL) add(ctx context.Context, rest string) error {
	vecText, metaText, _ := strings.Cut(rest, " ")
	if vecText == "" {
		return usage("add <vector> [metadata-json]")
	}
	vec, err := ParseVector(vecText)
	if err != nil {
		return err
	}
	meta, err := parseMetadata(metaText)
	if err != nil {
		return err
	}
	key, err := r.client.AddVector(ctx, r.tank, vec, meta)
	if err != nil {
		return err
	}
	r.printResult(models.AddResult{Key: key})
	return nil
}

func (r *REPL) update(ctx context.Context, rest string) error {
	key, rest, _ := strings.Cut(rest, " ")
	vecText, metaText, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if key == "" || vecText == "" {
		return usage("update <key> <vector|-> [metadata-json]")
	}
	var vec []float64
	if vecText != "-" {
		var err error
		if vec, err = ParseVector(vecText); err != nil {
			return err
		}
	}
	meta, err := parseMetadata(metaText)
	if err != nil {
		return err
	}
	if err := r.client.UpdateVector(ctx, r.tank, key, vec, meta); err != nil {
		return err
	}
	r.printOK()
	return nil
}

func (r *REPL) search(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 3 {
		return usage("search <vector> [k] [method]")
	}
	query, err := ParseVector(args[0])
	if err != nil {
		return err
	}
	k := 1
	if len(args) > 1 {
		if k, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("%w: k %q", errs.ErrInvalidRequest, args[1])
		}
	}
	method := ""
	if len(args) > 2 {
		method = args[2]
	}
	hits, err := r.client.Search(ctx, r.tank, query, k, method)
	if err != nil {
		return err
	}
	r.printResult(hits)
	return nil
}

// ParseVector reads "1,2,3" or a JSON array.
func ParseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var v []float64
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%w: vector: %v", errs.ErrInvalidRequest, err)
		}
		return v, nil
	}
	parts := strings.Split(s, ",")
	v := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: vector element %q", errs.ErrInvalidRequest, p)
		}
		v = append(v, f)
	}
	return v, nil
}

func parseMetadata(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: metadata must be a JSON object: %v", errs.ErrInvalidMetadata, err)
	}
	return m, nil
}

func usage(s string) error {
	return fmt.Errorf("%w: usage: %s", errs.ErrInvalidRequest, s)
}

func (r *REPL) paint(color, s string) string {
	if !r.color {
		return s
	}
	return color + s + reset
}

func (r *REPL) printOK() {
	fmt.Fprintln(r.out, r.paint(green, "OK"))
}

func (r *REPL) printResult(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		r.printError(err)
		return
	}
	fmt.Fprintln(r.out, r.paint(cyan, string(data)))
}

func (r *REPL) printError(err error) {
	code := errs.Code(err)
	var remote *Error
	if errors.As(err, &remote) {
		code = remote.Code
	}
	fmt.Fprintf(r.out, "%s %v\n", r.paint(red, "Error ["+code+"]:"), err)
}
