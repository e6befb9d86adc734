package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/wrangler-bot/wrangler/wire"
)

// siftOp is one step of a sift chain. Ops run left to right over the DATA
// list of a successful result; any op failure fails the whole command.
type siftOp struct {
	name string
	arg  string
}

// parseSift decodes a sift specification: a CSV list of operation names,
// each followed by its argument.
func parseSift(spec string) ([]siftOp, error) {
	tokens := wire.SplitList(spec)
	var ops []siftOp
	for i := 0; i < len(tokens); i++ {
		name := strings.ToLower(strings.TrimSpace(tokens[i]))
		switch name {
		case "take", "skip", "each", "match", "count", "js":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("sift operation %q needs an argument", name)
			}
			i++
			ops = append(ops, siftOp{name: name, arg: tokens[i]})
		default:
			return nil, fmt.Errorf("unknown sift operation %q", name)
		}
	}
	return ops, nil
}

// ApplySift runs the sift chain described by spec over data and returns the
// transformed list.
func ApplySift(spec string, data []string) ([]string, error) {
	ops, err := parseSift(spec)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		data, err = op.apply(data)
		if err != nil {
			return nil, fmt.Errorf("sift %s: %w", op.name, err)
		}
	}
	return data, nil
}

func (op siftOp) apply(data []string) ([]string, error) {
	switch op.name {
	case "take":
		n, err := strconv.Atoi(op.arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count %q", op.arg)
		}
		if n > len(data) {
			n = len(data)
		}
		return data[:n], nil

	case "skip":
		n, err := strconv.Atoi(op.arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count %q", op.arg)
		}
		if n > len(data) {
			n = len(data)
		}
		return data[n:], nil

	case "each":
		n, err := strconv.Atoi(op.arg)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid stride %q", op.arg)
		}
		var out []string
		for i := 0; i < len(data); i += n {
			out = append(out, data[i])
		}
		return out, nil

	case "match":
		re, err := regexp.Compile(op.arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %v", op.arg, err)
		}
		// The result is the capture groups of every match, not the
		// matching elements themselves.
		var out []string
		for _, item := range data {
			for _, groups := range re.FindAllStringSubmatch(item, -1) {
				out = append(out, groups[1:]...)
			}
		}
		return out, nil

	case "count":
		re, err := regexp.Compile(op.arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %v", op.arg, err)
		}
		n := 0
		for _, item := range data {
			if re.MatchString(item) {
				n++
			}
		}
		return []string{strconv.Itoa(n)}, nil

	case "js":
		return applyScript(op.arg, data)
	}
	return nil, fmt.Errorf("unknown operation")
}

// applyScript evaluates an ECMAScript expression with the current list bound
// to "data". The script's value becomes the new list: an array maps
// element-wise, anything else becomes a single element.
func applyScript(script string, data []string) ([]string, error) {
	vm := goja.New()
	if err := vm.Set("data", data); err != nil {
		return nil, err
	}
	value, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("script failed: %v", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	switch exported := value.Export().(type) {
	case []interface{}:
		out := make([]string, 0, len(exported))
		for _, item := range exported {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		if exported == "" {
			return nil, nil
		}
		return []string{exported}, nil
	default:
		return []string{fmt.Sprint(exported)}, nil
	}
}
