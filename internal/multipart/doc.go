// Package multipart streams MIME multipart bodies in and out of the
// replicator.
//
// Reader is push-based: bytes are written into it as they arrive from the
// network, in chunks of any size, and it reports part boundaries to a
// Delegate. A boundary split across two writes is still found because the
// reader always keeps an unflushed tail at least as long as the delimiter.
//
//	r, err := multipart.NewReader(resp.Header.Get("Content-Type"), delegate)
//	if err != nil {
//	    return err
//	}
//	if _, err := io.Copy(r, resp.Body); err != nil {
//	    return err
//	}
//	return r.Close()
//
// DocumentReader is the Delegate used for revision bodies: the first part is
// the JSON document, every later part is an attachment body that is hashed
// while it streams into a blob writer and matched back to the document's
// "_attachments" entries marked "follows".
//
// Writer builds the opposite direction: a JSON part followed by attachment
// parts, exposed as an io.Reader with a known length for uploads.
package multipart
