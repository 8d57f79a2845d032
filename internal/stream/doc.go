// Package stream implements the chunked, retry-bounded streaming session: a length header on
// the meta topic followed by PCM chunks on the data topic.
package stream
