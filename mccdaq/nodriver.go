//go:build !cgo || !uldaq

package mccdaq

// Open always fails without the uldaq build tag
func Open(cfg Config) (*Board, error) {
	return nil, ErrNoDriver
}
