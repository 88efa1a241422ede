package core

// noCopy lets `go vet -copylocks` flag Buffer and Blob values copied by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Buffer is a flat 16-bit sample buffer with a single owner. Handing it to
// another stage goes through Move, which empties the sender's handle; an
// emptied handle returns nil from Samples and false from Valid.
//
// Always pass *Buffer; never dereference and copy the struct.
type Buffer struct {
	noCopy noCopy
	pix    []uint16
}

// NewBuffer allocates a zeroed buffer of n samples.
func NewBuffer(n int) *Buffer { return &Buffer{pix: make([]uint16, n)} }

// AdoptBuffer takes ownership of pix. The caller must drop its own reference.
func AdoptBuffer(pix []uint16) *Buffer {
	if pix == nil {
		pix = []uint16{}
	}
	return &Buffer{pix: pix}
}

// Samples returns the owned samples, or nil after Move/Release.
func (b *Buffer) Samples() []uint16 {
	if b == nil {
		return nil
	}
	return b.pix
}

// Len returns the sample count, 0 once moved.
func (b *Buffer) Len() int { return len(b.Samples()) }

// Valid reports whether b still owns its samples.
func (b *Buffer) Valid() bool { return b != nil && b.pix != nil }

// Move transfers ownership to a new handle and empties b.
func (b *Buffer) Move() *Buffer {
	if b == nil {
		return &Buffer{}
	}
	nb := &Buffer{pix: b.pix}
	b.pix = nil
	return nb
}

// Release drops the samples so the memory can be reclaimed.
func (b *Buffer) Release() {
	if b != nil {
		b.pix = nil
	}
}

// Blob is the byte-slice counterpart of Buffer, used for file contents.
type Blob struct {
	noCopy noCopy
	data   []byte
}

// AdoptBlob takes ownership of data.
func AdoptBlob(data []byte) *Blob {
	if data == nil {
		data = []byte{}
	}
	return &Blob{data: data}
}

// Bytes returns the owned bytes, or nil once moved.
func (b *Blob) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Valid reports whether b still owns its bytes.
func (b *Blob) Valid() bool { return b != nil && b.data != nil }

// Move transfers ownership to a new handle and empties b.
func (b *Blob) Move() *Blob {
	if b == nil {
		return &Blob{}
	}
	nb := &Blob{data: b.data}
	b.data = nil
	return nb
}
