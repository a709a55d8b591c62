package cache

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// contentRange is a parsed "Content-Range: bytes start-end/total" header.
// Unknown parts are -1.
type contentRange struct {
	start, end, total int64
}

func parseContentRange(value string) (*contentRange, error) {
	unit, resp, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || unit != "bytes" {
		return nil, errors.Errorf("unsupported content range %q", value)
	}

	rng, total, ok := strings.Cut(resp, "/")
	if !ok {
		return nil, errors.Errorf("missing instance length in content range %q", value)
	}

	res := &contentRange{start: -1, end: -1, total: -1}
	if total != "*" {
		n, err := strconv.ParseInt(total, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid instance length in content range %q", value)
		}
		res.total = n
	}

	if rng == "*" {
		return res, nil
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return nil, errors.Errorf("invalid range in content range %q", value)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return nil, errors.Errorf("invalid range start in content range %q", value)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, errors.Errorf("invalid range end in content range %q", value)
	}
	res.start, res.end = start, end

	return res, nil
}
