package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseQuery parses a GraphQL executable document. On syntax failure the
// returned error is a *Error carrying the parser's message and position.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// AsError normalizes err into a *Error. Parser failures already are one;
// anything else is wrapped with its message only.
func AsError(err error) *Error {
	if ge, ok := err.(*Error); ok {
		return ge
	}
	if list, ok := err.(gqlerror.List); ok && len(list) > 0 {
		return list[0]
	}
	return &Error{Message: err.Error()}
}

// ResolveOperation retrieves the operation named operationName from the
// document. An empty name selects the document's single operation; it is an
// error when the document holds several.
func ResolveOperation(doc *QueryDocument, operationName string) *OperationDefinition {
	if operationName == "" && len(doc.Operations) == 1 {
		for _, op := range doc.Operations {
			return op
		}
	}
	for _, op := range doc.Operations {
		if op.Name == operationName {
			return op
		}
	}
	return nil
}

// RootField returns the name of the first top-level field selected by the
// operation, or "" when the selection set holds none.
func RootField(op *OperationDefinition) string {
	for _, sel := range op.SelectionSet {
		if f, ok := sel.(*Field); ok {
			return f.Name
		}
	}
	return ""
}
