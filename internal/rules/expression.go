package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxCachedPrograms bounds the compiled expression memo. Expressions are
// edited interactively, so stale entries accumulate.
const maxCachedPrograms = 1024

// programCache memoizes compiled CEL programs by source. Compilation is a
// pure function of the source, so the memo never changes evaluation results.
type programCache struct {
	mu       sync.RWMutex
	env      *cel.Env
	envErr   error
	programs map[string]compiledExpression
}

type compiledExpression struct {
	program cel.Program
	err     error
}

func newProgramCache() *programCache {
	env, err := newExpressionEnv()
	return &programCache{
		env:      env,
		envErr:   err,
		programs: make(map[string]compiledExpression),
	}
}

// newExpressionEnv declares the document fields visible to Expression rules.
func newExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("merchant", cel.StringType),
		cel.Variable("date", cel.StringType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("document_type", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("line_items", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compile returns the program for source, compiling it on first use.
func (c *programCache) compile(source string) (cel.Program, error) {
	c.mu.RLock()
	cached, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return cached.program, cached.err
	}

	prog, err := c.build(source)

	c.mu.Lock()
	if len(c.programs) >= maxCachedPrograms {
		c.programs = make(map[string]compiledExpression)
	}
	c.programs[source] = compiledExpression{program: prog, err: err}
	c.mu.Unlock()

	return prog, err
}

func (c *programCache) build(source string) (cel.Program, error) {
	if c.envErr != nil {
		return nil, c.envErr
	}
	if source == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}

// matches evaluates source against doc. Any failure is a no-match.
func (c *programCache) matches(source string, doc domain.Document) bool {
	prog, err := c.compile(source)
	if err != nil {
		return false
	}

	out, _, err := prog.Eval(activation(doc))
	if err != nil {
		return false
	}
	v, ok := out.(types.Bool)
	return ok && bool(v)
}

func activation(doc domain.Document) map[string]any {
	weekday := int64(-1)
	if day, ok := ParseDocumentDate(doc.Date); ok {
		weekday = int64(day.Weekday())
	}

	items := make([]any, 0, len(doc.LineItems))
	for _, li := range doc.LineItems {
		items = append(items, map[string]any{
			"description": li.Description,
			"quantity":    li.Quantity,
			"amount":      li.Amount,
		})
	}

	return map[string]any{
		"merchant":      doc.MerchantName,
		"date":          doc.Date,
		"weekday":       weekday,
		"amount":        doc.TotalAmount,
		"currency":      doc.Currency,
		"category":      doc.Category,
		"document_type": doc.DocumentType,
		"confidence":    doc.Confidence,
		"line_items":    items,
	}
}
