package scraperr

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every Code constant declared in this package must have a registered
// recovery strategy. All components emit codes through these constants, so
// this covers every code that can appear on the wire.
func TestEveryCodeHasRecovery(t *testing.T) {
	t.Parallel()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "scraperr.go", nil, 0)
	require.NoError(t, err)

	found := 0
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.CONST {
			continue
		}
		for _, spec := range gd.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for i, name := range vs.Names {
				if !strings.HasPrefix(name.Name, "Code") || i >= len(vs.Values) {
					continue
				}
				lit, ok := vs.Values[i].(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					continue
				}
				code, err := strconv.Unquote(lit.Value)
				require.NoError(t, err)
				found++
				_, registered := recoveries[code]
				assert.True(t, registered, "code %s has no recovery strategy", code)
			}
		}
	}
	require.Greater(t, found, 20, "expected to discover the full code set")
	assert.Len(t, recoveries, found, "registry and declared codes must match one to one")
}

func TestRecoveryFallsBackForUnknownCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, recoveries[CodeInternalError], Recovery("NO_SUCH_CODE"))
}

func TestAsWrapsUntypedErrors(t *testing.T) {
	t.Parallel()
	e := As(assert.AnError)
	assert.Equal(t, CodeInternalError, e.Code)
	assert.ErrorIs(t, e, assert.AnError)

	typed := New(KindNotFound, CodeSessionNotFound, "no such session")
	assert.Same(t, typed, As(typed))
}
