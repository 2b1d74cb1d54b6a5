//go:build !linux

package hosttimer

// NewTimerfdService is only available on linux.
func NewTimerfdService() (Service, error) {
	return nil, ErrUnsupported
}
