// Package httpapi exposes the scheduling API over HTTP with chi.
//
// The caller's identity comes from the X-Owner-ID header set by the
// authenticating proxy in front of this service. Requests without it get 401.
package httpapi
