// Package httperr maps the typed error Kinds used across internal packages
// (validate, storage, tokens) to HTTP status codes and an OCI-style error
// response body, so handlers don't each reimplement the mapping.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/registryx/nora-registryx/internal/storage"
	"github.com/registryx/nora-registryx/internal/tokens"
	"github.com/registryx/nora-registryx/internal/validate"
)

// Detail is a single OCI-style error entry.
type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Body is the OCI distribution-spec error response envelope.
type Body struct {
	Errors []Detail `json:"errors"`
}

// StatusFor maps err to an HTTP status code, inspecting validate.Error,
// storage.Error, and tokens.Error in turn. Unrecognized errors map to 500.
func StatusFor(err error) int {
	var ve *validate.Error
	if errors.As(err, &ve) {
		switch ve.Kind {
		case validate.KindEmpty, validate.KindTooLong, validate.KindForbiddenChar,
			validate.KindInvalidDockerName, validate.KindInvalidDigest, validate.KindInvalidReference:
			return http.StatusBadRequest
		case validate.KindPathTraversal:
			return http.StatusBadRequest
		}
	}

	var se *storage.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case storage.KindNotFound:
			return http.StatusNotFound
		case storage.KindValidation:
			return http.StatusBadRequest
		case storage.KindNetwork, storage.KindIO:
			return http.StatusBadGateway
		}
	}

	var te *tokens.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case tokens.KindInvalidFormat:
			return http.StatusBadRequest
		case tokens.KindNotFound, tokens.KindExpired:
			return http.StatusUnauthorized
		case tokens.KindStorage:
			return http.StatusInternalServerError
		}
	}

	return http.StatusInternalServerError
}

// codeFor returns the OCI error code string associated with err's kind.
func codeFor(err error) string {
	var ve *validate.Error
	if errors.As(err, &ve) {
		if ve.Kind == validate.KindInvalidDigest {
			return "DIGEST_INVALID"
		}
		return "NAME_INVALID"
	}
	var se *storage.Error
	if errors.As(err, &se) && se.Kind == storage.KindNotFound {
		return "BLOB_UNKNOWN"
	}
	return "UNKNOWN"
}

// Write writes err to w as a JSON OCI-style error body with the mapped
// status code. Reserved for the Docker adapter, which is the only one
// that speaks the OCI distribution error envelope.
func Write(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Body{Errors: []Detail{{Code: codeFor(err), Message: err.Error()}}})
}

// WriteText writes err to w as a bare status code with a short text body.
// Maven, npm, PyPI, Cargo, and Raw use this: their clients expect a plain
// text error, not a JSON envelope.
func WriteText(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	http.Error(w, err.Error(), status)
}
