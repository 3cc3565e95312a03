//go:build !darwin && !linux

package hal

func newSystem() (System, error) {
	return nil, ErrUnsupported
}
