package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// interpCache holds compiled ${...} fragments keyed by source text. Template
// strings repeat across requests, so compilation amortizes to zero.
var interpCache sync.Map // string -> *vm.Program

// Interpolate substitutes ${expr} fragments in s against the scope. Literal
// text outside fragments passes through unchanged.
func Interpolate(s string, scope map[string]any) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end += start

		b.WriteString(s[:start])
		src := s[start+2 : end]

		prog, err := interpProgram(src)
		if err != nil {
			return "", fmt.Errorf("interpolate %q: %w", src, err)
		}
		out, err := expr.Run(prog, scope)
		if err != nil {
			return "", fmt.Errorf("interpolate %q: %w", src, err)
		}
		b.WriteString(stringify(out))

		s = s[end+1:]
	}
}

func interpProgram(src string) (*vm.Program, error) {
	if cached, ok := interpCache.Load(src); ok {
		return cached.(*vm.Program), nil
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	interpCache.Store(src, prog)
	return prog, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// Whole floats render without the trailing ".0" JSON decoding adds.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
