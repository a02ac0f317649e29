package collectors

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Exploit-signature labels emitted by the source scan.
const (
	SigDynamicEval       = "dynamic-eval"
	SigProcessExec       = "process-exec"
	SigUnboundedTransfer = "unbounded-transfer"
)

// transferCallees are value-moving call names that are suspicious inside
// an unbounded loop.
var transferCallees = map[string]bool{
	"transfer":     true,
	"transferFrom": true,
	"send":         true,
	"sendValue":    true,
}

// loopTypes are the AST node types that establish loop context.
var loopTypes = map[string]bool{
	"for_statement":      true,
	"for_in_statement":   true,
	"while_statement":    true,
	"do_statement":       true,
}

// ScanSource parses the artifact source and scans its AST for known
// exploit signatures. Returns the distinct labels found.
func ScanSource(ctx context.Context, source []byte) ([]string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse artifact source: %w", err)
	}
	defer tree.Close()

	found := make(map[string]bool)
	walk(tree.RootNode(), source, false, found)

	out := make([]string, 0, len(found))
	for _, sig := range []string{SigDynamicEval, SigProcessExec, SigUnboundedTransfer} {
		if found[sig] {
			out = append(out, sig)
		}
	}
	return out, nil
}

// walk visits the AST recursively, tracking whether the current node is
// inside a loop body.
func walk(n *sitter.Node, source []byte, inLoop bool, found map[string]bool) {
	if n == nil {
		return
	}
	if loopTypes[n.Type()] {
		inLoop = true
	}

	if n.Type() == "call_expression" {
		callee := ""
		if fn := n.ChildByFieldName("function"); fn != nil {
			callee = fn.Content(source)
		}
		classifyCall(callee, n.Content(source), inLoop, found)
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), source, inLoop, found)
	}
}

// classifyCall records any signature the call matches.
func classifyCall(callee, call string, inLoop bool, found map[string]bool) {
	switch {
	case callee == "eval" || callee == "Function":
		found[SigDynamicEval] = true
	case callee == "require" && strings.Contains(call, "child_process"):
		found[SigProcessExec] = true
	case strings.HasSuffix(callee, ".exec") || strings.HasSuffix(callee, ".execSync"):
		found[SigProcessExec] = true
	default:
		// transfer-like calls only matter inside a loop: a single
		// bounded transfer is normal behavior.
		if !inLoop {
			return
		}
		name := callee
		if i := strings.LastIndex(callee, "."); i >= 0 {
			name = callee[i+1:]
		}
		if transferCallees[name] {
			found[SigUnboundedTransfer] = true
		}
	}
}
