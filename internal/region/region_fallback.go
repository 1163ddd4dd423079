//go:build !linux && !darwin && !freebsd

package region

// mapAnon allocates from the Go heap when anonymous mappings are unavailable.
func mapAnon(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func decommit(b []byte, _ bool) error {
	clear(b)
	return nil
}

func unmap(_ []byte, _ bool) error {
	return nil
}
