package cache

import "errors"

// Sentinel errors of the cache, never returned directly from public API
// calls. ErrNetwork and ErrTimeout are wrapped into the Err of an Image's
// LoadEnd event and ErrBlob into the Err of its BlobError event. No event
// carries ErrAborted or ErrMemoryOverflow: an aborted fetch emits no
// error, and overflow is reported by the Controller's RAMOverflow and
// VideoOverflow events, whose Err is nil.
var (
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("timeout")
	ErrAborted        = errors.New("aborted")
	ErrBlob           = errors.New("blob not decodable as an image")
	ErrMemoryOverflow = errors.New("memory overflow")
)

