// Package api carries the HTTP contract of the /agent endpoints. The server
// serves the document at /openapi.yaml and api tests check that every route
// it registers is described here.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document, served as application/yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
