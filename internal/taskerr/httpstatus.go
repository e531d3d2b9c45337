package taskerr

import "net/http"

// HTTPStatus maps a taxonomy error to the status code the HTTP boundary
// should return. Errors outside the taxonomy map to 500, matching the
// propagation policy: the boundary catches everything and never lets an
// unclassified error escape as a bare 500 with no mapping reasoning.
func HTTPStatus(err error) int {
	switch err.(type) {
	case *ValidationError:
		return http.StatusBadRequest
	case *AuthError:
		return http.StatusUnauthorized
	case *NotFoundError:
		return http.StatusNotFound
	case *StateError:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
