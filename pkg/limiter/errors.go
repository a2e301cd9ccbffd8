package limiter

import "errors"

// ErrLimited is returned by Check when the bucket is empty.
var ErrLimited = errors.New("limiter: rate limit exceeded")
