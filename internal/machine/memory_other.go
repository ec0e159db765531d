//go:build !unix

package machine

type hostMemory struct {
	b []byte
}

func allocHostMemory(size int) (*hostMemory, error) {
	return &hostMemory{b: make([]byte, size)}, nil
}

func (m *hostMemory) Bytes() []byte { return m.b }

func (m *hostMemory) Free() error {
	m.b = nil
	return nil
}
