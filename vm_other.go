//go:build !linux

package mmapcheck

// NewKernelVM reports ErrUnsupportedOS; only the Linux backend exists.
// Use WithVM to run against another implementation.
func NewKernelVM() (VM, error) {
	return nil, ErrUnsupportedOS
}
