package source

import (
	"bytes"
	"io"
	"path"
)

// globMatchesBaseName matches pattern (a shell glob with no path
// separators) against the final path segment of key, used by the
// object-store backends to support "prefix/*.xml"-style source URIs.
func globMatchesBaseName(pattern, key string) bool {
	ok, err := path.Match(pattern, path.Base(key))
	return err == nil && ok
}

// toReadSeeker buffers an io.Reader into memory so object-store SDKs
// that require io.ReadSeeker (to retry or to compute a content hash)
// can be satisfied without a second pass over the source. Every S3 write
// goes through it: loader-side staging of one table's CSV buffer, and
// the orchestrator's quarantine copy of a failed file, which is buffered
// whole.
func toReadSeeker(r io.Reader) io.ReadSeeker {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return bytes.NewReader(buf.Bytes())
}
