// Package remote is the HTTP layer shared by the change tracker, the puller
// and the pusher.
//
// A Client is bound to one remote database URL. It owns the http.Client
// (with a cookie jar and a per-host connection cap), applies default headers
// and the configured Authenticator to every request, and turns non-2xx
// responses into *HTTPError values that the retry package can classify.
//
//	c, err := remote.New(remote.Config{
//	    URL:           "https://sync.example.com/db",
//	    Authenticator: remote.BasicAuth{Username: "u", Password: "p"},
//	})
//	var diff map[string]remote.RevsDiffResult
//	err = c.SendJSON(ctx, http.MethodPost, "_revs_diff", nil, req, &diff)
//
// SendJSON retries transient failures with exponential backoff; Do performs a
// single attempt and leaves streaming responses (changes feeds, multipart
// documents) to the caller.
package remote
