package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kgraph/backend/internal/middleware"
	"github.com/kgraph/backend/internal/repository"
	"github.com/kgraph/backend/internal/schema"
)

// maxSchemaDocumentBytes bounds uploaded schema definitions.
const maxSchemaDocumentBytes = 1 << 20

func (g *Gateway) handleSchemaInfo(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no user in request", nil)
		return
	}
	gid, ok := g.parseGraphID(w, r)
	if !ok {
		return
	}

	repo, err := g.resolver.Resolve(r.Context(), gid, repository.AccessRead, user.Tier)
	if err != nil {
		var nf *repository.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, "graph_not_found", nf.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "resolver_error", err.Error(), nil)
		return
	}

	info, err := repository.IntrospectSchema(r.Context(), repo)
	if err != nil {
		g.breaker.RecordFailure(gid.Raw, queryOperation)
		writeError(w, http.StatusInternalServerError, "repository_error",
			"schema introspection failed", nil)
		return
	}
	g.breaker.RecordSuccess(gid.Raw, queryOperation)
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleSchemaValidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.parseGraphID(w, r); !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSchemaDocumentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "cannot read request body", nil)
		return
	}
	if len(body) > maxSchemaDocumentBytes {
		writeError(w, http.StatusBadRequest, "document_too_large",
			"schema document exceeds 1 MiB", nil)
		return
	}

	doc, err := schema.Parse(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_schema_document", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, schema.Validate(doc))
}
