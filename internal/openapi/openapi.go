// Package openapi loads and validates the bundled collaborator contract
// document at startup, so a malformed contract fails the process before
// the first RPC rather than at it.
package openapi

import (
	"context"
	_ "embed"

	"github.com/getkin/kin-openapi/openapi3"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

//go:embed contracts/collaborators.yaml
var collaboratorContracts []byte

// LoadCollaboratorContracts parses and validates the bundled collaborator
// contract document, returning it for introspection (see OperationIDs).
func LoadCollaboratorContracts(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(collaboratorContracts)
	if err != nil {
		return nil, sharederrors.ParseError("collaborator contracts", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, sharederrors.ConfigurationError("collaborator contracts", err)
	}
	return doc, nil
}

// OperationIDs lists every operation id the contract document declares.
func OperationIDs(doc *openapi3.T) []string {
	var ids []string
	for _, path := range doc.Paths.Map() {
		for _, op := range path.Operations() {
			if op.OperationID != "" {
				ids = append(ids, op.OperationID)
			}
		}
	}
	return ids
}
